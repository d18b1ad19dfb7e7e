package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/BertoldVdb/flashcore/algoltek"
	"github.com/BertoldVdb/flashcore/blestech"
	"github.com/BertoldVdb/flashcore/checksum"
	"github.com/BertoldVdb/flashcore/chunk"
	"github.com/BertoldVdb/flashcore/config"
	"github.com/BertoldVdb/flashcore/dpaux"
	"github.com/BertoldVdb/flashcore/hidraw"
	"github.com/BertoldVdb/flashcore/image"
	"github.com/BertoldVdb/flashcore/jms578"
	"github.com/BertoldVdb/flashcore/progress"
	"github.com/BertoldVdb/flashcore/scsi"
	"github.com/BertoldVdb/flashcore/session"
	"github.com/BertoldVdb/flashcore/stream"
	"github.com/BertoldVdb/flashcore/usbdev"
)

func logFunc(format string, params ...any) {
	glog.V(1).Infof(format, params...)
}

/* target is an opened device and the way a file is flashed onto it */
type target struct {
	dev   session.Device
	write writeFunc
	close func() error
}

type writeFunc func(ctx context.Context, s *session.Session, fw []byte, cfg session.Config) (session.Outcome, error)

func blobWriter(address uint64) writeFunc {
	return func(ctx context.Context, s *session.Session, fw []byte, cfg session.Config) (session.Outcome, error) {
		blob, err := image.New(fw, address)
		if err != nil {
			return session.Done, err
		}
		return s.WriteFirmware(ctx, blob, cfg)
	}
}

func openTarget(p config.Profile) (*target, error) {
	switch p.Family {
	case "blestech":
		size := p.ReportSize
		if size == 0 {
			size = blestech.ReadReportSize
		}
		h, err := hidraw.Open(p.Device, size)
		if err != nil {
			return nil, err
		}
		d := blestech.New(h)
		d.LogFunc = logFunc
		return &target{dev: d, write: blobWriter(0), close: d.Close}, nil

	case "generic":
		return openBulk(p)

	case "algoltek-usb":
		u, err := usbdev.Open(p.VendorID, p.ProductID)
		if err != nil {
			return nil, err
		}
		d := algoltek.NewUSB(u.Dev)
		d.LogFunc = logFunc
		if v, err := d.Version(context.Background()); err == nil {
			glog.Infof("Running firmware %s", v)
		}
		return &target{dev: d, write: algoltekWriter(d, algoltek.Firmware, p.ISPSize), close: u.Close}, nil

	case "algoltek-aux":
		a, err := dpaux.Open(p.Device, algoltek.AUXWriteAddress, algoltek.AUXReadAddress)
		if err != nil {
			return nil, err
		}
		d := algoltek.NewAUX(a)
		d.LogFunc = logFunc
		return &target{dev: d, write: algoltekWriter(d, algoltek.AUXFirmware, p.ISPSize), close: d.Close}, nil

	case "jms578":
		sdev, err := scsi.New(p.Device)
		if err != nil {
			return nil, err
		}
		sdev.LogFunc = logFunc
		d := jms578.New(sdev)
		d.LogFunc = logFunc

		/* The container decides the layout */
		write := func(ctx context.Context, s *session.Session, fw []byte, cfg session.Config) (session.Outcome, error) {
			return jms578.WriteFirmware(ctx, s, fw)
		}
		return &target{dev: d, write: write, close: sdev.Close}, nil
	}

	return nil, errors.Wrapf(config.ErrorUnknownFamily, "%q cannot be opened", p.Family)
}

type ispLoader interface {
	session.Device
	SetISP(isp []byte)
}

/* openBulk opens a device that takes the image over a bulk endpoint, the
 * layout comes from the profile alone */
func openBulk(p config.Profile) (*target, error) {
	u, err := usbdev.Open(p.VendorID, p.ProductID)
	if err != nil {
		return nil, err
	}

	cfg := p.USBConfig
	if cfg == 0 {
		cfg = 1
	}
	if err := u.Claim(cfg, p.USBInterface, p.USBAlt); err != nil {
		u.Close()
		return nil, errors.Wrap(err, "claim")
	}
	ch, err := u.Bulk(p.BulkIn, p.BulkOut, p.MaxPayload)
	if err != nil {
		u.Close()
		return nil, err
	}

	d := stream.New(ch)
	d.Header = p.Header
	d.LogFunc = logFunc
	return &target{dev: d, write: blobWriter(p.Address), close: u.Close}, nil
}

func algoltekWriter(d ispLoader, split func(data []byte, ispSize int) (*image.Blob, error), ispSize int) writeFunc {
	return func(ctx context.Context, s *session.Session, fw []byte, cfg session.Config) (session.Outcome, error) {
		blob, err := split(fw, ispSize)
		if err != nil {
			return session.Done, err
		}
		return algoltek.WriteFirmware(ctx, s, d, blob, cfg)
	}
}

func loadProfile(cmd *cobra.Command) (config.Profile, error) {
	path, _ := cmd.Flags().GetString("config")
	name, _ := cmd.Flags().GetString("profile")

	f, err := config.Load(path)
	if err != nil {
		return config.Profile{}, err
	}
	p, err := f.Profile(name)
	if err != nil {
		return p, err
	}

	if dev, _ := cmd.Flags().GetString("dev"); dev != "" {
		p.Device = dev
	}
	return p, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	p, err := loadProfile(cmd)
	if err != nil {
		return err
	}
	cfg, err := p.Session()
	if err != nil {
		return err
	}

	fw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	t, err := openTarget(p)
	if err != nil {
		return errors.Wrap(err, "open device")
	}
	defer t.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	bar := progress.NewBar(os.Stderr, "init")
	s := session.New(t.dev, session.WithLogFunc(logFunc), session.WithProgress(bar))

	outcome, err := t.write(ctx, s, fw, cfg)
	bar.Close()
	if err != nil {
		return err
	}

	glog.Infof("Flashed %d bytes in %d chunks, checksum %#x", len(fw), s.Len(), s.ImageChecksum())
	if outcome == session.RequiresReplug {
		fmt.Println("Update complete, unplug and replug the device")
	} else {
		fmt.Println("Update complete")
	}
	return nil
}

func runChunks(cmd *cobra.Command, args []string) error {
	chunkSize, _ := cmd.Flags().GetUint32("chunk-size")
	pageSize, _ := cmd.Flags().GetUint32("page-size")
	address, _ := cmd.Flags().GetUint64("address")

	fw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	src, err := chunk.New(fw, address, pageSize, chunkSize)
	if err != nil {
		return err
	}

	return src.Each(func(c chunk.Chunk) error {
		_, err := fmt.Printf("%6d 0x%08x %5d\n", c.Index, c.Address, c.Size())
		return err
	})
}

func runChecksum(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("algorithm")
	seedText, _ := cmd.Flags().GetString("seed")

	alg, err := checksum.ParseAlgorithm(name)
	if err != nil {
		return err
	}

	seed := alg.DefaultSeed()
	if seedText != "" {
		v, err := strconv.ParseUint(seedText, 0, 32)
		if err != nil {
			return errors.Wrapf(err, "seed %q", seedText)
		}
		seed = uint32(v)
	}

	fw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%v %#x\n", alg, checksum.Sum(alg, seed, fw))
	return nil
}

func runProfiles(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	f, err := config.Load(path)
	if err != nil {
		return err
	}

	for _, name := range f.Names() {
		p, _ := f.Profile(name)
		fmt.Printf("%-16s %s\n", name, p.Family)
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "flashcore",
		Short:         "Chunked firmware flashing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Profile file, flashcore.yaml in the working directory by default")
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		/* glog wants to see its flags parsed, cobra already set them */
		flag.CommandLine.Parse(nil)
	}

	write := &cobra.Command{
		Use:   "write firmware.bin",
		Short: "Flash a firmware file",
		Args:  cobra.ExactArgs(1),
		RunE:  runWrite,
	}
	write.Flags().String("profile", "", "Device profile or family")
	write.Flags().String("family", "", "Alias of --profile")
	write.Flags().String("dev", "", "Device node, overrides the profile")
	write.PreRun = func(cmd *cobra.Command, args []string) {
		if family, _ := cmd.Flags().GetString("family"); family != "" && !cmd.Flags().Changed("profile") {
			cmd.Flags().Set("profile", family)
		}
	}

	chunks := &cobra.Command{
		Use:   "chunks firmware.bin",
		Short: "Show how a file is split into chunks",
		Args:  cobra.ExactArgs(1),
		RunE:  runChunks,
	}
	chunks.Flags().Uint32("chunk-size", 256, "Maximum chunk size")
	chunks.Flags().Uint32("page-size", 0, "Align chunks to pages of this size")
	chunks.Flags().Uint64("address", 0, "Base address")

	sum := &cobra.Command{
		Use:   "checksum firmware.bin",
		Short: "Checksum a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runChecksum,
	}
	sum.Flags().String("algorithm", "crc32", "crc16, crc32, xor8, sum16, sum8 or sum16w")
	sum.Flags().String("seed", "", "Seed, the algorithm default when empty")

	profiles := &cobra.Command{
		Use:   "profiles",
		Short: "List the known device profiles",
		Args:  cobra.NoArgs,
		RunE:  runProfiles,
	}

	root.AddCommand(write, chunks, sum, profiles)

	err := root.Execute()
	glog.Flush()
	if err != nil {
		glog.Exitf("%v", err)
	}
}
