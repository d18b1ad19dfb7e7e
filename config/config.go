package config

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/BertoldVdb/flashcore/algoltek"
	"github.com/BertoldVdb/flashcore/blestech"
	"github.com/BertoldVdb/flashcore/checksum"
	"github.com/BertoldVdb/flashcore/jms578"
	"github.com/BertoldVdb/flashcore/session"
)

const EnvPrefix = "FLASHCORE"

var (
	ErrorUnknownFamily  = errors.New("unknown device family")
	ErrorUnknownProfile = errors.New("unknown profile")
	ErrorInvalidValue   = errors.New("invalid profile value")
)

/* Families maps the built-in device families to their flash layout */
var Families = map[string]func() session.Config{
	"blestech":     blestech.Config,
	"algoltek-usb": (&algoltek.USBDevice{}).Config,
	"algoltek-aux": (&algoltek.AUXDevice{}).Config,
	"jms578": func() session.Config {
		return jms578.Config(jms578.FlashSize)
	},
	/* Everything comes from the profile */
	"generic": func() session.Config {
		return session.Config{}
	},
}

/* Profile describes one device. Unset fields keep the value of the family. */
type Profile struct {
	Family string `mapstructure:"family"`

	/* Transport */
	Device     string `mapstructure:"device"`
	VendorID   uint16 `mapstructure:"vid"`
	ProductID  uint16 `mapstructure:"pid"`
	ReportSize int    `mapstructure:"report-size"`
	ISPSize    int    `mapstructure:"isp-size"`

	/* Bulk pipe of the generic family, zero endpoints are discovered */
	USBConfig    int    `mapstructure:"usb-config"`
	USBInterface int    `mapstructure:"usb-interface"`
	USBAlt       int    `mapstructure:"usb-alt"`
	BulkIn       int    `mapstructure:"bulk-in"`
	BulkOut      int    `mapstructure:"bulk-out"`
	MaxPayload   int    `mapstructure:"max-payload"`
	Header       bool   `mapstructure:"header"`
	Address      uint64 `mapstructure:"address"`

	ChunkSize uint32 `mapstructure:"chunk-size"`
	PageSize  uint32 `mapstructure:"page-size"`
	Image     string `mapstructure:"image"`
	MinSize   int    `mapstructure:"min-size"`
	MaxSize   int    `mapstructure:"max-size"`

	Checksum       string  `mapstructure:"checksum"`
	ChecksumSeed   *uint32 `mapstructure:"checksum-seed"`
	ChecksumWindow uint32  `mapstructure:"checksum-window"`

	Erase           string   `mapstructure:"erase"`
	SectorSize      uint32   `mapstructure:"sector-size"`
	EraseSectors    []uint32 `mapstructure:"erase-sectors"`
	SkipFirstSector *bool    `mapstructure:"skip-first-sector"`
	SkipChunks      []uint32 `mapstructure:"skip-chunks"`
	DeferredChunks  []uint32 `mapstructure:"deferred-chunks"`

	RetryMax         int           `mapstructure:"retry-max"`
	RetryDelay       time.Duration `mapstructure:"retry-delay"`
	ChunkDelay       time.Duration `mapstructure:"chunk-delay"`
	StatusEvery      uint32        `mapstructure:"status-every"`
	StatusRetryMax   int           `mapstructure:"status-retry-max"`
	StatusRetryDelay time.Duration `mapstructure:"status-retry-delay"`

	ResendOnMismatch *bool  `mapstructure:"resend-on-mismatch"`
	Verify           string `mapstructure:"verify"`
	RequiresReplug   *bool  `mapstructure:"requires-replug"`
}

type File struct {
	Default  string             `mapstructure:"default"`
	Profiles map[string]Profile `mapstructure:"profiles"`
}

/* Defaults has one profile per built-in family, named after it */
func Defaults() *File {
	f := &File{Profiles: make(map[string]Profile)}
	for name := range Families {
		f.Profiles[name] = Profile{Family: name}
	}
	return f
}

/* Load reads profiles from path, or from flashcore.{yaml,toml,json} in the
 * working directory when path is empty. The built-in profiles are always
 * available unless the file redefines them. */
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if err := v.BindEnv("default"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flashcore")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	f := Defaults()
	var loaded File
	if err := v.Unmarshal(&loaded); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	f.Default = loaded.Default
	for name, m := range loaded.Profiles {
		f.Profiles[strings.ToLower(name)] = m
	}
	return f, nil
}

func (f *File) Names() []string {
	var names []string
	for name := range f.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

/* Profile returns the named profile, or the default one for an empty name */
func (f *File) Profile(name string) (Profile, error) {
	if name == "" {
		name = f.Default
	}
	p, ok := f.Profiles[strings.ToLower(name)]
	if !ok {
		return Profile{}, errors.Wrapf(ErrorUnknownProfile, "%q", name)
	}
	if p.Family == "" {
		p.Family = "generic"
	}
	return p, nil
}

func ParseEraseMode(name string) (session.EraseMode, error) {
	switch strings.ToLower(name) {
	case "none":
		return session.EraseNone, nil
	case "chip":
		return session.EraseChip, nil
	case "sectors", "sector":
		return session.EraseSectors, nil
	}
	return 0, errors.Wrapf(ErrorInvalidValue, "erase mode %q", name)
}

func ParseVerifyMode(name string) (session.VerifyMode, error) {
	switch strings.ToLower(name) {
	case "none":
		return session.VerifyNone, nil
	case "readback":
		return session.VerifyReadback, nil
	case "checksum":
		return session.VerifyChecksum, nil
	case "status":
		return session.VerifyStatus, nil
	}
	return 0, errors.Wrapf(ErrorInvalidValue, "verify mode %q", name)
}

func setNonZero[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

/* Session builds the session configuration: the family layout with the
 * profile applied on top */
func (p Profile) Session() (session.Config, error) {
	family := p.Family
	if family == "" {
		family = "generic"
	}
	base, ok := Families[family]
	if !ok {
		return session.Config{}, errors.Wrapf(ErrorUnknownFamily, "%q", family)
	}
	cfg := base()

	setNonZero(&cfg.MaxChunkSize, p.ChunkSize)
	setNonZero(&cfg.PageSize, p.PageSize)
	setNonZero(&cfg.Image, p.Image)
	setNonZero(&cfg.MinSize, p.MinSize)
	setNonZero(&cfg.MaxSize, p.MaxSize)
	setNonZero(&cfg.ChecksumWindow, p.ChecksumWindow)
	setNonZero(&cfg.SectorSize, p.SectorSize)
	setNonZero(&cfg.RetryMax, p.RetryMax)
	setNonZero(&cfg.RetryDelay, p.RetryDelay)
	setNonZero(&cfg.ChunkDelay, p.ChunkDelay)
	setNonZero(&cfg.StatusEvery, p.StatusEvery)
	setNonZero(&cfg.StatusRetryMax, p.StatusRetryMax)
	setNonZero(&cfg.StatusRetryDelay, p.StatusRetryDelay)

	if p.Checksum != "" {
		alg, err := checksum.ParseAlgorithm(p.Checksum)
		if err != nil {
			return cfg, err
		}
		cfg.ChecksumAlgorithm = alg
		cfg.ChecksumSeed = alg.DefaultSeed()
	}
	if p.ChecksumSeed != nil {
		cfg.ChecksumSeed = *p.ChecksumSeed
	}

	if p.Erase != "" {
		mode, err := ParseEraseMode(p.Erase)
		if err != nil {
			return cfg, err
		}
		cfg.EraseMode = mode
	}
	if p.Verify != "" {
		mode, err := ParseVerifyMode(p.Verify)
		if err != nil {
			return cfg, err
		}
		cfg.VerifyMode = mode
	}

	if p.EraseSectors != nil {
		cfg.EraseSectors = p.EraseSectors
	}
	if p.SkipChunks != nil {
		cfg.SkipChunks = p.SkipChunks
	}
	if p.DeferredChunks != nil {
		cfg.DeferredChunks = p.DeferredChunks
	}

	for _, m := range []struct {
		dst *bool
		v   *bool
	}{
		{&cfg.SkipFirstSector, p.SkipFirstSector},
		{&cfg.ResendOnChecksumMismatch, p.ResendOnMismatch},
		{&cfg.RequiresReplug, p.RequiresReplug},
	} {
		if m.v != nil {
			*m.dst = *m.v
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
