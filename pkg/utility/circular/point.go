package circular

import (
	"github.com/peter-kozarec/helios/pkg/utility/fixed"
)

// PointBuffer is a rolling window over fixed.Point values with the running
// sum maintained incrementally, so Mean is O(1) per push.
type PointBuffer struct {
	b *Buffer[fixed.Point]

	sum  fixed.Point
	mean fixed.Point
}

func NewPointBuffer(capacity uint) *PointBuffer {
	return &PointBuffer{
		b:    NewBuffer[fixed.Point](capacity),
		sum:  fixed.Zero,
		mean: fixed.Zero,
	}
}

func (p *PointBuffer) PushUpdate(v fixed.Point) {
	if p.b.IsFull() {
		p.sum = p.sum.Sub(p.b.Last())
	}
	p.b.Push(v)
	p.sum = p.sum.Add(v)
	p.mean = p.sum.DivInt64(int64(p.b.Size()))
}

func (p *PointBuffer) Mean() fixed.Point {
	return p.mean
}

func (p *PointBuffer) Size() uint {
	return p.b.Size()
}

func (p *PointBuffer) IsFull() bool {
	return p.b.IsFull()
}
