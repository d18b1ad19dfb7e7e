package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BertoldVdb/flashcore/blestech"
	"github.com/BertoldVdb/flashcore/checksum"
	"github.com/BertoldVdb/flashcore/session"
)

const testConfig = `
default: pad
profiles:
  pad:
    family: blestech
    device: /dev/hidraw3
    retry-max: 7
    retry-delay: 45ms
    resend-on-mismatch: false
  Bridge:
    vid: 0x1d50
    pid: 0x6018
    bulk-out: 2
    header: true
    address: 0x8000000
    chunk-size: 60
    page-size: 0x100
    checksum: crc16
    checksum-seed: 0x1021
    checksum-window: 32
    erase: sectors
    sector-size: 4096
    erase-sectors: [1, 2, 3]
    skip-first-sector: true
    verify: readback
  broken:
    family: blestech
    verify: sometimes
`

func writeConfig(t *testing.T, name string, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	f, err := Load(writeConfig(t, "flashcore.yaml", testConfig))
	require.NoError(t, err)

	assert.Equal(t, "pad", f.Default)
	assert.Contains(t, f.Names(), "bridge")
	assert.Contains(t, f.Names(), "algoltek-usb")

	p, err := f.Profile("")
	require.NoError(t, err)
	assert.Equal(t, "/dev/hidraw3", p.Device)

	cfg, err := p.Session()
	require.NoError(t, err)

	/* Everything not in the profile comes from the family */
	expected := blestech.Config()
	expected.RetryMax = 7
	expected.RetryDelay = 45 * time.Millisecond
	expected.ResendOnChecksumMismatch = false
	assert.Equal(t, expected, cfg)
}

func TestGenericProfile(t *testing.T) {
	f, err := Load(writeConfig(t, "flashcore.yaml", testConfig))
	require.NoError(t, err)

	p, err := f.Profile("BRIDGE")
	require.NoError(t, err)
	assert.Equal(t, "generic", p.Family)
	assert.Equal(t, uint16(0x1d50), p.VendorID)
	assert.Equal(t, uint16(0x6018), p.ProductID)
	assert.Equal(t, 2, p.BulkOut)
	assert.Zero(t, p.BulkIn)
	assert.True(t, p.Header)
	assert.Equal(t, uint64(0x8000000), p.Address)

	cfg, err := p.Session()
	require.NoError(t, err)

	assert.Equal(t, uint32(60), cfg.MaxChunkSize)
	assert.Equal(t, uint32(0x100), cfg.PageSize)
	assert.Equal(t, checksum.Crc16Ccitt, cfg.ChecksumAlgorithm)
	assert.Equal(t, uint32(0x1021), cfg.ChecksumSeed)
	assert.Equal(t, uint32(32), cfg.ChecksumWindow)
	assert.Equal(t, session.EraseSectors, cfg.EraseMode)
	assert.Equal(t, []uint32{1, 2, 3}, cfg.EraseSectors)
	assert.True(t, cfg.SkipFirstSector)
	assert.Equal(t, session.VerifyReadback, cfg.VerifyMode)
}

func TestInvalidProfiles(t *testing.T) {
	f, err := Load(writeConfig(t, "flashcore.yaml", testConfig))
	require.NoError(t, err)

	p, err := f.Profile("broken")
	require.NoError(t, err)
	_, err = p.Session()
	assert.ErrorIs(t, err, ErrorInvalidValue)

	_, err = f.Profile("missing")
	assert.ErrorIs(t, err, ErrorUnknownProfile)

	_, err = Profile{Family: "toaster"}.Session()
	assert.ErrorIs(t, err, ErrorUnknownFamily)

	/* A generic profile without a chunk size cannot flash anything */
	_, err = Profile{}.Session()
	assert.ErrorIs(t, err, session.ErrorInvalidConfig)
}

func TestDefaultFromEnvironment(t *testing.T) {
	t.Setenv(EnvPrefix+"_DEFAULT", "algoltek-aux")

	f, err := Load(writeConfig(t, "flashcore.toml", "[profiles.extra]\nchunk-size = 16\n"))
	require.NoError(t, err)

	p, err := f.Profile("")
	require.NoError(t, err)
	assert.Equal(t, "algoltek-aux", p.Family)

	cfg, err := p.Session()
	require.NoError(t, err)
	assert.Equal(t, uint32(32), cfg.ChecksumWindow)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
