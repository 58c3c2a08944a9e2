package reorg

import (
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/chainbound/taikoscope-sub001/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func block(number uint64, hash string) model.ChainBlockID {
	return model.ChainBlockID{Number: number, Hash: common.HexToHash(hash)}
}

func TestDetector_FirstBlockAccepted(t *testing.T) {
	t.Parallel()

	d := New(testLogger())
	_, ok := d.Head()
	require.False(t, ok)

	assert.Nil(t, d.OnNewBlock(block(100, "0xaa"), common.HexToHash("0x99")))

	head, ok := d.Head()
	require.True(t, ok)
	assert.Equal(t, block(100, "0xaa"), head)
}

func TestDetector_LinearChainNeverReorgs(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	d := New(testLogger())

	parent := common.Hash{}
	for n := uint64(1); n <= 500; n++ {
		var h common.Hash
		rng.Read(h[:])
		out := d.OnNewBlock(model.ChainBlockID{Number: n, Hash: h}, parent)
		require.Nilf(t, out, "unexpected reorg at block %d", n)
		parent = h
	}

	head, _ := d.Head()
	assert.Equal(t, uint64(500), head.Number)
	assert.Equal(t, parent, head.Hash)
}

func TestDetector_OneBlockReorg(t *testing.T) {
	t.Parallel()

	d := New(testLogger())
	d.OnNewBlock(block(100, "0xa"), common.Hash{})

	out := d.OnNewBlock(block(100, "0xb"), common.HexToHash("0x99"))
	require.NotNil(t, out)
	assert.Equal(t, uint16(1), out.Depth)
	require.NotNil(t, out.OrphanedHash)
	assert.Equal(t, common.HexToHash("0xa"), *out.OrphanedHash)

	head, _ := d.Head()
	assert.Equal(t, block(100, "0xb"), head)
}

func TestDetector_DeepReorg(t *testing.T) {
	t.Parallel()

	d := New(testLogger())
	d.OnNewBlock(block(98, "0x1"), common.Hash{})
	d.OnNewBlock(block(99, "0x2"), common.HexToHash("0x1"))
	d.OnNewBlock(block(100, "0x3"), common.HexToHash("0x2"))

	out := d.OnNewBlock(block(98, "0xf"), common.HexToHash("0x0"))
	require.NotNil(t, out)
	assert.Equal(t, uint16(3), out.Depth)
	assert.Nil(t, out.OrphanedHash)

	head, _ := d.Head()
	assert.Equal(t, block(98, "0xf"), head)
}

func TestDetector_DuplicateHeadIgnored(t *testing.T) {
	t.Parallel()

	d := New(testLogger())
	d.OnNewBlock(block(100, "0xa"), common.Hash{})

	assert.Nil(t, d.OnNewBlock(block(100, "0xa"), common.Hash{}))
	head, _ := d.Head()
	assert.Equal(t, block(100, "0xa"), head)
}

func TestDetector_GapForwardAdvancesHead(t *testing.T) {
	t.Parallel()

	d := New(testLogger())
	d.OnNewBlock(block(100, "0xa"), common.Hash{})

	assert.Nil(t, d.OnNewBlock(block(105, "0xb"), common.HexToHash("0xdead")))
	head, _ := d.Head()
	assert.Equal(t, block(105, "0xb"), head)
}

func TestDetector_ParentMismatchAccepted(t *testing.T) {
	t.Parallel()

	d := New(testLogger())
	d.OnNewBlock(block(100, "0xa"), common.Hash{})

	assert.Nil(t, d.OnNewBlock(block(101, "0xb"), common.HexToHash("0xdead")))
	head, _ := d.Head()
	assert.Equal(t, block(101, "0xb"), head)
}

func TestOrphanedBlockRange(t *testing.T) {
	t.Parallel()

	d := New(testLogger())

	testCases := []struct {
		name    string
		oldHead uint64
		newHead uint64
		depth   uint16
		want    []uint64
	}{
		{name: "depth two", oldHead: 100, newHead: 98, depth: 2, want: []uint64{99, 100}},
		{name: "depth five", oldHead: 100, newHead: 95, depth: 5, want: []uint64{96, 97, 98, 99, 100}},
		{name: "zero depth", oldHead: 100, newHead: 95, depth: 0, want: nil},
		{name: "head moved forward", oldHead: 95, newHead: 100, depth: 3, want: nil},
		{name: "same head", oldHead: 100, newHead: 100, depth: 3, want: nil},
		{name: "depth exceeds head", oldHead: 10, newHead: 5, depth: 15, want: nil},
		{name: "depth equals head", oldHead: 3, newHead: 1, depth: 3, want: []uint64{1, 2, 3}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := d.OrphanedBlockRange(tc.oldHead, tc.newHead, tc.depth)
			if tc.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOrphanedBlockRange_FlagsAnomalousDepth(t *testing.T) {
	t.Parallel()

	_, anomalous := orphanedBlockRange(10, 5, 15)
	assert.True(t, anomalous)

	_, anomalous = orphanedBlockRange(10, 5, 0)
	assert.False(t, anomalous)
}
