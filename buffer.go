package zerorpc

// ChannelBuffer channel 的收发缓冲区
//   队列本身不限长度，capacity 是发送额度（credit），决定在对端补充额度之前还能发送多少条
type ChannelBuffer struct {
	items    []*Event
	head     int
	capacity int
}

func NewChannelBuffer(capacity int) *ChannelBuffer {
	return &ChannelBuffer{capacity: capacity}
}

// Add 追加到队尾
func (b *ChannelBuffer) Add(ev *Event) {
	b.items = append(b.items, ev)
}

// Remove 取出队头，队列为空时返回 nil
func (b *ChannelBuffer) Remove() *Event {
	if b.head >= len(b.items) {
		return nil
	}
	ev := b.items[b.head]
	b.items[b.head] = nil
	b.head++
	if b.head == len(b.items) {
		b.items = b.items[:0]
		b.head = 0
	} else if b.head >= 32 && b.head*2 >= len(b.items) {
		n := copy(b.items, b.items[b.head:])
		for i := n; i < len(b.items); i++ {
			b.items[i] = nil
		}
		b.items = b.items[:n]
		b.head = 0
	}
	return ev
}

// Len 队列中的消息数
func (b *ChannelBuffer) Len() int {
	return len(b.items) - b.head
}

func (b *ChannelBuffer) Capacity() int {
	return b.capacity
}

func (b *ChannelBuffer) HasCapacity() bool {
	return b.capacity > 0
}

func (b *ChannelBuffer) SetCapacity(capacity int) {
	b.capacity = capacity
}

// DecrementCapacity 调用方必须先检查 HasCapacity
func (b *ChannelBuffer) DecrementCapacity() {
	if b.capacity <= 0 {
		panic("zerorpc: channel buffer capacity underflow")
	}
	b.capacity--
}
