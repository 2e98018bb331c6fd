package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetRootIsTraced(t *testing.T) {
	s := New()
	assert.False(t, s.IsTraced(100))

	s.SetRoot(100)
	assert.True(t, s.IsTraced(100))
	assert.Equal(t, uint64(100), s.Root())
	assert.False(t, s.IsTraced(101))
}

func TestSetZeroIsNeverTraced(t *testing.T) {
	s := New()
	assert.False(t, s.IsTraced(0), "empty slots hold 0")
	assert.False(t, s.AddChild(0))
	assert.False(t, s.Remove(0))
	assert.Empty(t, s.Children())
}

func TestSetFillToCapacity(t *testing.T) {
	s := New()
	s.SetRoot(1)

	for pid := uint64(1000); pid < 1000+MaxChildren; pid++ {
		require.True(t, s.AddChild(pid), "AddChild(%d)", pid)
	}
	for pid := uint64(1000); pid < 1000+MaxChildren; pid++ {
		assert.True(t, s.IsTraced(pid), "IsTraced(%d)", pid)
	}
	assert.Len(t, s.Children(), MaxChildren)

	// Removing one frees exactly its slot for reuse.
	require.True(t, s.Remove(1500))
	assert.False(t, s.IsTraced(1500))
	require.True(t, s.AddChild(9999))
	assert.True(t, s.IsTraced(9999))
	assert.Equal(t, uint64(0), s.Overflows())

	children := s.Children()
	assert.Equal(t, uint64(9999), children[500], "reused slot keeps its position")
}

func TestSetOverflowIsObservable(t *testing.T) {
	s := New()
	var hooked []uint64
	s.OnOverflow(func(pid uint64) { hooked = append(hooked, pid) })

	for pid := uint64(1); pid <= MaxChildren; pid++ {
		require.True(t, s.AddChild(pid))
	}

	assert.False(t, s.AddChild(50000))
	assert.False(t, s.AddChild(50001))
	assert.False(t, s.IsTraced(50000))
	assert.Equal(t, uint64(2), s.Overflows())
	assert.Equal(t, []uint64{50000, 50001}, hooked)
}

func TestSetAddChildDuplicate(t *testing.T) {
	s := New()
	assert.True(t, s.AddChild(7))
	assert.False(t, s.AddChild(7), "already traced")
	assert.Len(t, s.Children(), 1)

	s.SetRoot(8)
	assert.False(t, s.AddChild(8), "root is already traced")
}

func TestSetRemove(t *testing.T) {
	tests := []struct {
		name     string
		root     uint64
		children []uint64
		remove   uint64
		want     bool
		traced   []uint64
	}{
		{
			name:   "root",
			root:   10,
			remove: 10,
			want:   true,
		},
		{
			name:     "child",
			root:     10,
			children: []uint64{11, 12},
			remove:   11,
			want:     true,
			traced:   []uint64{10, 12},
		},
		{
			name:     "unknown",
			root:     10,
			children: []uint64{11},
			remove:   99,
			want:     false,
			traced:   []uint64{10, 11},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			s.SetRoot(tt.root)
			for _, c := range tt.children {
				s.AddChild(c)
			}

			assert.Equal(t, tt.want, s.Remove(tt.remove))
			assert.False(t, s.IsTraced(tt.remove))
			for _, pid := range tt.traced {
				assert.True(t, s.IsTraced(pid), "IsTraced(%d)", pid)
			}
		})
	}
}

func TestSetConcurrentUse(t *testing.T) {
	s := New()
	s.SetRoot(1)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			for i := uint64(0); i < 64; i++ {
				pid := base + i
				s.AddChild(pid)
				s.IsTraced(pid)
				s.Remove(pid)
			}
		}(uint64(w+1) * 1000)
	}
	wg.Wait()

	assert.Empty(t, s.Children())
	assert.True(t, s.IsTraced(1))
}
