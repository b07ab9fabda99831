package event

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/3QSDN/shaka-packager/internal/media"
)

type countingListener struct {
	NopListener
	starts, segments, ends int
}

func (c *countingListener) OnMediaStart(*media.StreamInfo, uint32)     { c.starts++ }
func (c *countingListener) OnNewSegment(string, int64, int64, uint64)  { c.segments++ }
func (c *countingListener) OnMediaEnd(MediaRanges, float64)            { c.ends++ }

func TestCombinedListenerFansOut(t *testing.T) {
	t.Parallel()

	a, b := &countingListener{}, &countingListener{}
	combined := NewCombinedListener(a)
	combined.Add(b)

	combined.OnMediaStart(&media.StreamInfo{}, 90000)
	combined.OnNewSegment("seg_1.m4s", 0, 90000, 1234)
	combined.OnNewSegment("seg_2.m4s", 90000, 90000, 1234)
	combined.OnMediaEnd(MediaRanges{}, 2.0)

	for _, l := range []*countingListener{a, b} {
		assert.Equal(t, 1, l.starts)
		assert.Equal(t, 2, l.segments)
		assert.Equal(t, 1, l.ends)
	}
}
