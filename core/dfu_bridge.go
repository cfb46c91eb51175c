package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/encodeous/bristlemouth/dfu"
	"github.com/encodeous/bristlemouth/perf"
	"github.com/encodeous/bristlemouth/protocol"
	"github.com/encodeous/bristlemouth/state"
	"github.com/goccy/go-yaml"
)

// ImageRecord identifies a firmware image a node can boot
type ImageRecord struct {
	GitSha uint32 `yaml:"git_sha"`
	Major  uint8  `yaml:"major"`
	Minor  uint8  `yaml:"minor"`
}

type ImageSlot int

const (
	// SlotActive is the image the node boots unless an update is on trial
	SlotActive ImageSlot = iota
	// SlotPending is an activated image. It is booted once and only becomes active when confirmed.
	SlotPending
)

// ImageStore keeps image records across restarts
type ImageStore interface {
	Load(slot ImageSlot) (*ImageRecord, error)
	// Store replaces a record, nil removes it
	Store(slot ImageSlot, img *ImageRecord) error
}

// FileImages keeps each record in its own yaml file
type FileImages struct {
	Active, Pending string
}

func (f FileImages) path(slot ImageSlot) string {
	if slot == SlotPending {
		return f.Pending
	}
	return f.Active
}

func (f FileImages) Load(slot ImageSlot) (*ImageRecord, error) {
	path := f.path(slot)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var img ImageRecord
	if err := yaml.Unmarshal(b, &img); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &img, nil
}

func (f FileImages) Store(slot ImageSlot, img *ImageRecord) error {
	path := f.path(slot)
	if img == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	b, err := yaml.Marshal(img)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

// MemImages keeps records for nodes without a data dir
type MemImages struct {
	mu    sync.Mutex
	slots [2]*ImageRecord
}

func (m *MemImages) Load(slot ImageSlot) (*ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if img := m.slots[slot]; img != nil {
		cp := *img
		return &cp, nil
	}
	return nil, nil
}

func (m *MemImages) Store(slot ImageSlot, img *ImageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if img != nil {
		cp := *img
		img = &cp
	}
	m.slots[slot] = img
	return nil
}

func recordOf(mk dfu.RebootMarker) *ImageRecord {
	return &ImageRecord{GitSha: mk.GitSha, Major: mk.Major, Minor: mk.Minor}
}

// persistent returns the value kept under key in the aux config, adding a fresh one on first use.
// The aux config outlives restarts, so it stands in for non-volatile storage when there is no data dir.
func persistent[T any](s *state.State, key string, fresh func() T) T {
	if v, ok := s.AuxConfig[key].(T); ok {
		return v
	}
	v := fresh()
	if s.AuxConfig != nil {
		s.AuxConfig[key] = v
	}
	return v
}

// UpdateOpts tunes an update pushed from this node
type UpdateOpts struct {
	ChunkSize uint16
	Major     uint8
	Minor     uint8
	GitSha    uint32
	Force     bool
	Timeout   time.Duration
}

type DfuResult struct {
	Peer    state.NodeId
	Success bool
	Err     dfu.Err
}

// DfuBridge connects the DFU state machine, which runs on its own goroutine, to BCMP
type DfuBridge struct {
	env       *state.Env
	machine   *dfu.Machine
	partition dfu.Partition
	done      chan struct{}

	// Activate boots a validated image. It records the image and restarts the node by default.
	Activate func(mk dfu.RebootMarker)

	mu   sync.Mutex
	last *DfuResult
}

func (b *DfuBridge) Init(s *state.State) error {
	b.env = s.Env
	b.done = make(chan struct{})

	var (
		marker dfu.MarkerStore
		images ImageStore
	)
	if s.DataDir != "" {
		if err := os.MkdirAll(s.DataDir, 0700); err != nil {
			return err
		}
		part, err := dfu.OpenFilePartition(s.DfuPartitionPath(), s.Dfu.PartitionSize)
		if err != nil {
			return fmt.Errorf("open dfu partition: %w", err)
		}
		b.partition = part
		marker = dfu.FileMarker(s.RebootMarkerPath())
		images = FileImages{Active: s.ActiveImagePath(), Pending: s.PendingImagePath()}
	} else {
		size := s.Dfu.PartitionSize
		if size == 0 {
			size = 1 << 20
		}
		b.partition = dfu.NewMemPartition(int(size))
		marker = persistent[dfu.MarkerStore](s, "dfu_marker", func() dfu.MarkerStore { return &dfu.MemMarker{} })
		images = persistent[ImageStore](s, "dfu_images", func() ImageStore { return &MemImages{} })
	}
	if aux, ok := s.AuxConfig["dfu_marker"].(dfu.MarkerStore); ok {
		marker = aux
	}
	if err := b.selectImage(s, images); err != nil {
		_ = b.closePartition()
		return err
	}

	b.Activate = func(mk dfu.RebootMarker) {
		if err := images.Store(SlotPending, recordOf(mk)); err != nil {
			b.env.Log.Error("failed to record activated image", "err", err)
			return
		}
		b.env.Restart("dfu image activated")
	}

	b.machine = dfu.New(dfu.Config{
		Self:      s.Id,
		GitSha:    s.Device.GitSha,
		Confirm:   s.Dfu.Confirm,
		Partition: b.partition,
		Marker:    marker,
		Send:      b.send,
		Clock:     s.Clock,
		Log:       s.Log.With("module", "dfu"),
		Activate: func(mk dfu.RebootMarker) {
			if b.Activate != nil {
				b.Activate(mk)
			}
		},
		Confirmed: func(mk dfu.RebootMarker) {
			if err := images.Store(SlotActive, recordOf(mk)); err != nil {
				b.env.Log.Error("failed to record confirmed image", "err", err)
			}
		},
		OnFinish: b.onFinish,
	})

	handlers := make(map[protocol.MessageType]Descriptor)
	for t := protocol.TypeDfuStart; t <= protocol.TypeDfuBootComplete; t++ {
		handlers[t] = Descriptor{Handler: b.handleFrame}
	}
	if err := registerAll(s, handlers); err != nil {
		return err
	}

	go func() {
		defer close(b.done)
		_ = b.machine.Run(s.Context)
	}()
	return nil
}

// selectImage decides which image this boot runs. A pending image gets exactly one boot: its record is
// consumed here, so a restart before it is confirmed falls back to the active image.
func (b *DfuBridge) selectImage(s *state.State, images ImageStore) error {
	img, err := images.Load(SlotPending)
	if err != nil {
		return err
	}
	if img != nil {
		if err := images.Store(SlotPending, nil); err != nil {
			return err
		}
		s.Log.Info("booting image on trial", "git_sha", img.GitSha)
	} else if img, err = images.Load(SlotActive); err != nil {
		return err
	}
	if img != nil {
		s.Device.GitSha = img.GitSha
		s.Device.VersionMajor = img.Major
		s.Device.VersionMinor = img.Minor
	}
	return nil
}

func (b *DfuBridge) Cleanup(s *state.State) error {
	<-b.done
	return b.closePartition()
}

func (b *DfuBridge) closePartition() error {
	if c, ok := b.partition.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (b *DfuBridge) State() dfu.State {
	return b.machine.State()
}

func (b *DfuBridge) LastResult() (DfuResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return DfuResult{}, false
	}
	return *b.last, true
}

// send runs on the DFU goroutine, so the actual transmit is handed to the main loop
func (b *DfuBridge) send(f protocol.DfuFrame) error {
	payload, err := f.Marshal()
	if err != nil {
		return err
	}
	b.env.Dispatch(func(s *state.State) error {
		if err := Get[*Bcmp](s).Send(f.Type, payload, protocol.MulticastGlobal); err != nil {
			s.Log.Debug("failed to send dfu frame", "type", f.Type, "dst", f.Dst, "err", err)
		}
		return nil
	})
	return nil
}

func (b *DfuBridge) handleFrame(s *state.State, d *ProcessData) error {
	f, err := protocol.ParseDfuFrame(d.Header.Type, d.Payload)
	if err != nil {
		return err
	}
	if f.Dst == s.Id && !b.machine.HandleFrame(f) {
		s.Log.Warn("dfu queue full, dropped frame", "type", f.Type, "src", f.Src)
	}
	return nil
}

func (b *DfuBridge) onFinish(success bool, err dfu.Err, peer state.NodeId) {
	res := "success"
	if !success {
		res = err.Error()
	}
	perf.DfuUpdates.WithLabelValues(res).Inc()
	b.env.Log.Info("dfu finished", "peer", peer, "success", success, "err", err)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = &DfuResult{Peer: peer, Success: success, Err: err}
}

// Update pushes the image at path to client. finish is called once the update ends, from the DFU goroutine.
func (b *DfuBridge) Update(client state.NodeId, path string, opts UpdateOpts, finish dfu.FinishFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 512
	}
	crc, err := dfu.ImageCrc(f, st.Size())
	if err != nil {
		f.Close()
		return fmt.Errorf("read %s: %w", path, err)
	}
	info := protocol.ImgInfo{
		ImageSize: uint32(st.Size()),
		ChunkSize: opts.ChunkSize,
		Crc16:     crc,
		Major:     opts.Major,
		Minor:     opts.Minor,
		GitSha:    opts.GitSha,
	}
	if opts.Force {
		info.FilterKey = dfu.ForceUpdate
	}
	if info.ChunkSize > dfu.MaxChunkSize {
		f.Close()
		return fmt.Errorf("chunk size %d: %w", info.ChunkSize, dfu.ErrChunkSize)
	}
	// a busy machine reports IN_PROGRESS through finish
	b.machine.InitiateUpdate(info, client, f, opts.Timeout, func(success bool, err dfu.Err, peer state.NodeId) {
		f.Close()
		if finish != nil {
			finish(success, err, peer)
		}
	})
	return nil
}
