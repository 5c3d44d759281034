package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectTier(t *testing.T) {
	const (
		kib = 1024
		mib = 1024 * kib
		gib = 1024 * mib
	)

	testCases := []struct {
		name string
		path string
		size int64
		want Tier
	}{
		{"tiny file inlines", "/notes.txt", 6, TierInline},
		{"just under threshold inlines", "/data.bin", 4*kib - 1, TierInline},
		{"threshold boundary chunks", "/data.bin", 4 * kib, TierGranular},
		{"small file granular", "/photo.jpg", 5 * mib, TierGranular},
		{"source file granular regardless of size", "/main.go", 50 * mib, TierGranular},
		{"uppercase extension matches", "/README.MD", 20 * mib, TierGranular},
		{"mid-size standard", "/video.mp4", 100 * mib, TierStandard},
		{"large tier from 500 MiB", "/backup.tar", 600 * mib, TierLarge},
		{"jumbo from 5 GiB", "/archive.bin", 6 * gib, TierJumbo},
		{"disk image always jumbo", "/boot.iso", 10 * mib, TierJumbo},
		{"tiny disk image still jumbo", "/mini.img", 100, TierJumbo},
		{"vmdk jumbo", "/vm/disk.vmdk", 2 * gib, TierJumbo},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SelectTier(tc.path, tc.size))
		})
	}
}

func TestTierParams(t *testing.T) {
	for _, tier := range []Tier{TierGranular, TierStandard, TierLarge, TierJumbo} {
		minSize, avgSize, maxSize := tier.Params()
		assert.Less(t, minSize, avgSize, tier.Name())
		assert.Less(t, avgSize, maxSize, tier.Name())
		assert.Equal(t, avgSize, minSize*2, "avg is double min")
		assert.Equal(t, maxSize, avgSize*2, "max is double avg")
	}

	minSize, avgSize, maxSize := TierInline.Params()
	assert.Zero(t, minSize)
	assert.Zero(t, avgSize)
	assert.Zero(t, maxSize)
}

func TestTierValid(t *testing.T) {
	assert.True(t, TierInline.Valid())
	assert.True(t, TierJumbo.Valid())
	assert.False(t, Tier(-1).Valid())
	assert.False(t, Tier(5).Valid())
}
