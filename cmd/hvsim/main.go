// Command hvsim builds an emulated partition with the loopback interrupt
// backend and drives the enlightenment layer through a self-test scenario:
// message posting with guest acknowledgment, event flags and a VTL 1
// round trip. It exists to exercise the full stack outside the test suite.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyvmm/hyperv/internal/hv"
	"github.com/tinyvmm/hyperv/internal/hv/exec"
	"github.com/tinyvmm/hyperv/internal/hv/loopback"
	"github.com/tinyvmm/hyperv/internal/hv/mem"
	"github.com/tinyvmm/hyperv/internal/hyperv"
	"github.com/tinyvmm/hyperv/internal/hyperv/hvproto"
	"github.com/tinyvmm/hyperv/internal/trace"
)

// Config is the partition description loaded from YAML.
type Config struct {
	// VPs is the virtual processor count.
	VPs int `yaml:"vps"`

	// MemoryMB is the guest RAM size in megabytes.
	MemoryMB uint64 `yaml:"memory_mb"`

	// MsgPage and EventPage are the guest addresses for vp 0's SynIC
	// pages during the scenario.
	MsgPage   uint64 `yaml:"msg_page"`
	EventPage uint64 `yaml:"event_page"`
}

func defaultConfig() Config {
	return Config{
		VPs:       1,
		MemoryMB:  16,
		MsgPage:   0x10000,
		EventPage: 0x11000,
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.VPs < 1 {
		return cfg, fmt.Errorf("config: vps must be at least 1, got %d", cfg.VPs)
	}
	if cfg.MemoryMB < 1 {
		return cfg, fmt.Errorf("config: memory_mb must be at least 1, got %d", cfg.MemoryMB)
	}
	return cfg, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hvsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Partition config YAML (optional)")
	traceFile := flag.String("trace", "", "Write binary tracepoints to this file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *traceFile != "" {
		if err := trace.OpenFile(*traceFile); err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer trace.Close()
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	slog.Info("building partition", "vps", cfg.VPs, "memory_mb", cfg.MemoryMB)

	memory := mem.NewAddressSpace(0, cfg.MemoryMB<<20)
	router := loopback.New()
	pool := exec.NewPool(hv.NopAccelerator{})
	defer pool.Close()

	part, err := hyperv.New(memory, router, pool, cfg.VPs)
	if err != nil {
		return err
	}

	sints := make(chan [2]uint32, 16)
	router.OnSint(func(vp, sint uint32) { sints <- [2]uint32{vp, sint} })

	if err := scenario(part, memory, cfg, sints); err != nil {
		return err
	}

	slog.Info("all scenario steps passed")
	return nil
}

// scenario drives the partition through the enlightenment surface the way a
// synthetic device and an enlightened guest would, failing on the first
// divergence.
func scenario(part *hyperv.Partition, memory *mem.AddressSpace, cfg Config, sints chan [2]uint32) error {
	s := part.SynIC(0)
	ctx := part.VSM().VP(0).Tier(0).Context()

	var uerr error
	ctx.RunSync(func() { uerr = s.Update(true, cfg.MsgPage, cfg.EventPage) })
	if uerr != nil {
		return fmt.Errorf("enable synic: %w", uerr)
	}
	slog.Debug("synic enabled", "msg_page", fmt.Sprintf("%#x", cfg.MsgPage))

	// Step 1: device-side message delivery with completion.
	done := make(chan error, 1)
	route, err := part.NewSintRoute(0, 2, func(status error) { done <- status })
	if err != nil {
		return fmt.Errorf("sint route: %w", err)
	}
	defer route.Unref()

	msg := hvproto.Message{Type: 0x40000001, PayloadSize: 5}
	copy(msg.Payload[:], "hello")
	if err := route.PostMessage(&msg); err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	if err := <-done; err != nil {
		return fmt.Errorf("message completion: %w", err)
	}
	if got := <-sints; got != [2]uint32{0, 2} {
		return fmt.Errorf("interrupt raised for %v, want vp 0 sint 2", got)
	}

	slot := make([]byte, hvproto.MessageSize)
	if err := memory.ReadPhysical(cfg.MsgPage+uint64(hvproto.SlotOffset(2)), slot); err != nil {
		return err
	}
	var delivered hvproto.Message
	delivered.Decode(slot)
	if delivered.Type != msg.Type || string(delivered.Payload[:5]) != "hello" {
		return fmt.Errorf("message slot holds %+v", delivered)
	}
	slog.Info("message delivered", "sint", 2, "payload", string(delivered.Payload[:5]))

	// Step 2: guest-side post message hypercall into a registered handler.
	received := make(chan string, 1)
	if err := part.SetMsgHandler(7, func(in *hvproto.PostMessageInput) hvproto.Status {
		received <- string(in.Payload[:in.PayloadSize])
		return hvproto.StatusSuccess
	}); err != nil {
		return err
	}

	input := make([]byte, hvproto.PostMessageInputSize)
	binary.LittleEndian.PutUint32(input[0:], 7)
	binary.LittleEndian.PutUint32(input[8:], 1)
	binary.LittleEndian.PutUint32(input[12:], 4)
	copy(input[16:], "pong")
	if err := memory.WritePhysical(0x20000, input); err != nil {
		return err
	}
	res := part.Hypercall(&hyperv.HypercallInput{Input: hvproto.CallPostMessage, InGPA: 0x20000})
	if hvproto.Status(res) != hvproto.StatusSuccess {
		return fmt.Errorf("post message hypercall result %#x", res)
	}
	if got := <-received; got != "pong" {
		return fmt.Errorf("handler received %q", got)
	}
	slog.Info("guest message handled", "connection", 7)

	// Step 3: event flag via signal event hypercall.
	if err := route.SetEventFlag(9); err != nil {
		return fmt.Errorf("set event flag: %w", err)
	}
	if got := <-sints; got != [2]uint32{0, 2} {
		return fmt.Errorf("event interrupt raised for %v", got)
	}
	slog.Info("event flag raised", "flag", 9)

	// Step 4: VTL 1 round trip through the hypercall surface.
	res = part.Hypercall(&hyperv.HypercallInput{
		Input:  uint64(hvproto.CallEnablePartitionVTL) | hvproto.HypercallFast,
		Params: [2]uint64{hvproto.PartitionSelf, 1},
	})
	if hvproto.Status(res) != hvproto.StatusSuccess {
		return fmt.Errorf("enable partition vtl result %#x", res)
	}

	enable := make([]byte, hvproto.EnableVPVTLInputSize)
	binary.LittleEndian.PutUint64(enable[0:], hvproto.PartitionSelf)
	binary.LittleEndian.PutUint32(enable[8:], hvproto.VPIndexSelf)
	enable[12] = 1
	binary.LittleEndian.PutUint64(enable[16:], 0x1000) // entry rip
	if err := memory.WritePhysical(0x21000, enable); err != nil {
		return err
	}
	res = part.Hypercall(&hyperv.HypercallInput{Input: hvproto.CallEnableVPVTL, InGPA: 0x21000})
	if hvproto.Status(res) != hvproto.StatusSuccess {
		return fmt.Errorf("enable vp vtl result %#x", res)
	}

	res = part.Hypercall(&hyperv.HypercallInput{Input: hvproto.CallVTLCall})
	if hvproto.Status(res) != hvproto.StatusSuccess {
		return fmt.Errorf("vtl call result %#x", res)
	}
	vp := part.VSM().VP(0)
	if vp.ActiveVTL() != 1 {
		return fmt.Errorf("active vtl %d after call", vp.ActiveVTL())
	}
	res = part.Hypercall(&hyperv.HypercallInput{Input: hvproto.CallVTLReturn})
	if hvproto.Status(res) != hvproto.StatusSuccess {
		return fmt.Errorf("vtl return result %#x", res)
	}
	if vp.ActiveVTL() != 0 {
		return fmt.Errorf("active vtl %d after return", vp.ActiveVTL())
	}
	slog.Info("vtl round trip complete", "entry_rip", fmt.Sprintf("%#x", uint64(0x1000)))

	return nil
}
