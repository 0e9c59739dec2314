package zerorpc

import (
	"encoding/hex"

	"github.com/mitchellh/mapstructure"
	"github.com/pborman/uuid"
)

// NewMessageID 生成 128 位随机消息 id
func NewMessageID() string {
	id := uuid.NewRandom()
	return hex.EncodeToString(id[:])
}

// Args 调用参数
type Args []interface{}

// Len 参数个数
func (a Args) Len() int { return len(a) }

// Decode 将第 i 个参数解码到 out 中（out 必须是指针）
func (a Args) Decode(i int, out interface{}) error {
	if i < 0 || i >= len(a) {
		return &RemoteError{Name: "TypeError", Message: "argument index out of range"}
	}
	return DecodeValue(a[i], out)
}

// DecodeValue 将 msgpack 解码出的通用值转为具体类型
func DecodeValue(in interface{}, out interface{}) error {
	if in == nil {
		return nil
	}
	return mapstructure.Decode(in, out)
}
