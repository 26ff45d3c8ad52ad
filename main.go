package main

import (
	"encoding/binary"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/treeline-emu/treeline/gmem"
	"github.com/treeline-emu/treeline/loader"
	"github.com/treeline-emu/treeline/vas"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

type config struct {
	Width uint   `env:"TREELINE_AS_WIDTH" envDefault:"39"`
	Image string `env:"TREELINE_IMAGE"`
	Debug bool   `env:"TREELINE_DEBUG"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	log := newLogger(cfg.Debug)
	defer log.Sync()

	var img *loader.Image
	if cfg.Image != "" {
		var err error
		if img, err = loader.Open(cfg.Image); err != nil {
			log.Fatal("open image", zap.String("path", cfg.Image), zap.Error(err))
		}
	}

	mm, err := gmem.New(gmem.Config{
		Width: gmem.AddressSpaceWidth(cfg.Width),
		Log:   log,
	})

	if err != nil {
		log.Fatal("configure guest memory", zap.Error(err))
	}

	if err := mm.InitializeReservation(); err != nil {
		log.Fatal("reserve guest address space", zap.Error(err))
	}

	defer mm.Close()

	codeSize := uintptr(2 << 20)
	if img != nil {
		codeSize = uintptr(img.Size())
	}

	if err := mm.InitializeRegions(codeSize); err != nil {
		log.Fatal("lay out guest regions", zap.Error(err))
	}

	// Guest addresses equal host addresses inside the reservation, so
	// the regions map into the address space identically.
	m := vas.NewMap[uintptr](vas.Config[uintptr]{
		Bits:        cfg.Width,
		ContigSplit: true,
	})

	m.Map(uint64(mm.Code.Start), mm.Code.Start, uint64(mm.Code.Size), vas.BlockInfo{})
	m.Map(uint64(mm.Heap.Start), mm.Heap.Start, uint64(mm.Heap.Size), vas.BlockInfo{})

	acc, err := vas.NewAccessor(m)
	if err != nil {
		log.Fatal("create accessor", zap.Error(err))
	}

	defer acc.Close()

	if img != nil {
		if err := img.LoadInto(acc, uint64(mm.Code.Start)); err != nil {
			log.Fatal("load image", zap.Error(err))
		}

		log.Info("loaded image",
			zap.String("path", cfg.Image),
			zap.String("size", humanize.IBytes(img.Size())))
	}

	mm.InsertChunk(gmem.ChunkDescriptor{
		Ptr:        mm.Heap.Start,
		Size:       mm.Heap.Size,
		State:      gmem.StateHeap,
		Permission: gmem.PermRead | gmem.PermWrite,
	})

	// Round-trip a value through the heap to show the plumbing works.
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 0xcafef00d)

	if err := acc.Write(uint64(mm.Heap.Start), buf, nil); err != nil {
		log.Fatal("write heap", zap.Error(err))
	}

	got := make([]byte, 8)
	if err := acc.Read(got, uint64(mm.Heap.Start), nil); err != nil {
		log.Fatal("read heap", zap.Error(err))
	}

	log.Info("heap round-trip",
		zap.Uint64("va", uint64(mm.Heap.Start)),
		zap.Uint64("value", binary.LittleEndian.Uint64(got)))

	log.Info("memory usage",
		zap.String("user", humanize.IBytes(uint64(mm.UserMemoryUsage()))),
		zap.String("system", humanize.IBytes(uint64(mm.SystemResourceUsage()))))
}

func newLogger(debug bool) *zap.Logger {
	lvl := zap.InfoLevel
	if debug {
		lvl = zap.DebugLevel
	}

	var enc zapcore.Encoder
	if term.IsTerminal(int(os.Stdout.Fd())) {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	} else {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	return zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl))
}
