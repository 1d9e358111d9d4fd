// Package kernel boots the machine: it seeds the VFS with the embedded
// guest sources, wires the compile pipeline (linker, parser, code
// generator) into the VM's exec path, registers the /proc introspection
// nodes, and drives the scheduler tick.
package kernel

import (
	"embed"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/Codeyellow27/ccos/compiler"
	"github.com/Codeyellow27/ccos/config"
	"github.com/Codeyellow27/ccos/pkg/bytecode"
	"github.com/Codeyellow27/ccos/pkg/codegen"
	"github.com/Codeyellow27/ccos/pkg/console"
	"github.com/Codeyellow27/ccos/pkg/linker"
	"github.com/Codeyellow27/ccos/pkg/memory"
	"github.com/Codeyellow27/ccos/pkg/vfs"
	"github.com/Codeyellow27/ccos/vm"
)

//go:embed boot/*.c
var bootFS embed.FS

// Hostname is what /proc/hostname reports.
const Hostname = "ccos"

// Kernel owns every subsystem and the boot/tick/shutdown lifecycle.
type Kernel struct {
	cfg     *config.Config
	pool    *memory.Pool
	fs      *vfs.FS
	console *console.Console
	tuner   *console.Tuner
	machine *vm.Machine
	linker  *linker.Linker

	images  map[string]*bytecode.Image
	store   *vfs.Store
	session uuid.UUID
	bootAt  time.Time
	clock   func() time.Time
	log     commonlog.Logger
}

// fsSource adapts the VFS to the linker's Source.
type fsSource struct {
	fs *vfs.FS
}

func (s fsSource) ReadSource(p string) (string, error) {
	data, err := s.fs.ReadFile(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// New boots a kernel from configuration: pool, file system (restored
// from the SQLite store when configured), console, machine, embedded
// /bin sources, and /proc nodes.
func New(cfg *config.Config) (*Kernel, error) {
	k := &Kernel{
		cfg:     cfg,
		pool:    memory.NewPool(cfg.VM.Frames),
		fs:      vfs.New(),
		console: console.New(cfg.Screen.Rows, cfg.Screen.Cols),
		tuner:   console.NewTuner(cfg.Tuning.TargetFPS),
		images:  make(map[string]*bytecode.Image),
		session: uuid.New(),
		clock:   time.Now,
		log:     commonlog.GetLogger("ccos.kernel"),
	}
	k.bootAt = k.clock()
	k.tuner.SetRates(cfg.Tuning.LowRate, cfg.Tuning.HighRate)
	k.machine = vm.New(k.pool, k.fs, k.console)
	k.machine.Exec = k.Compile
	k.machine.SetCycle = k.tuner.SetCycle
	k.linker = linker.New(fsSource{fs: k.fs})

	if cfg.Storage.Path != "" {
		store, err := vfs.OpenStore(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("kernel: opening storage: %w", err)
		}
		k.store = store
		if err := store.Load(k.fs); err != nil {
			store.Close()
			return nil, fmt.Errorf("kernel: restoring file system: %w", err)
		}
	}

	if err := k.seedFS(); err != nil {
		if k.store != nil {
			k.store.Close()
		}
		return nil, err
	}
	k.log.Infof("booted session %s", k.session)
	return k, nil
}

// seedFS writes the embedded guest sources into /bin and registers the
// /proc callback nodes, as root.
func (k *Kernel) seedFS() error {
	k.fs.AsRoot(true)
	defer k.fs.AsRoot(false)

	for _, dir := range []string{"/bin", "/proc", "/cache", "/usr/logs", "/home/cc"} {
		if k.fs.GetNode(dir) == nil {
			if err := k.fs.Mkdir(dir); err != nil {
				return fmt.Errorf("kernel: creating %s: %w", dir, err)
			}
		}
	}

	entries, err := bootFS.ReadDir("boot")
	if err != nil {
		return fmt.Errorf("kernel: reading boot sources: %w", err)
	}
	for _, e := range entries {
		data, err := bootFS.ReadFile(path.Join("boot", e.Name()))
		if err != nil {
			return fmt.Errorf("kernel: reading %s: %w", e.Name(), err)
		}
		name := "/bin/" + strings.TrimSuffix(e.Name(), ".c")
		if err := k.fs.WriteFile(name, data); err != nil {
			return fmt.Errorf("kernel: installing %s: %w", name, err)
		}
		k.linker.Invalidate(name)
	}

	for p, fn := range map[string]vfs.CallbackFunc{
		"/proc/hostname": func(string) string { return Hostname },
		"/proc/session":  func(string) string { return k.session.String() },
		"/proc/uptime": func(string) string {
			return fmt.Sprintf("%d", int(k.clock().Sub(k.bootAt).Seconds()))
		},
		"/proc/stat": k.procStat,
	} {
		if k.fs.GetNode(p) == nil {
			if err := k.fs.RegisterCallback(p, fn); err != nil {
				return fmt.Errorf("kernel: registering %s: %w", p, err)
			}
		}
	}
	return nil
}

// procStat renders the process table.
func (k *Kernel) procStat(string) string {
	var b strings.Builder
	b.WriteString("pid par state    path\n")
	for _, pid := range k.machine.Tasks() {
		fmt.Fprintln(&b, k.machine.Task(pid))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Compile links, parses, and generates a path into an image, consulting
// the in-memory cache and the CBOR copies under /cache.
func (k *Kernel) Compile(p string) (*bytecode.Image, error) {
	if !strings.HasPrefix(p, "/") {
		p = "/bin/" + p
	}
	if img, ok := k.images[p]; ok {
		return img, nil
	}
	if img := k.loadCached(p); img != nil {
		k.images[p] = img
		return img, nil
	}

	unit, order, err := k.linker.Link(p)
	if err != nil {
		return nil, err
	}
	prog, err := compiler.Parse(unit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	g := codegen.NewGenerator()
	g.SetUnit(p)
	img, err := g.Generate(prog)
	if err != nil {
		return nil, err
	}
	k.log.Infof("compiled %s (%d units, %d words)", p, len(order), len(img.Text))

	k.images[p] = img
	k.storeCached(p, img)
	return img, nil
}

func cachePath(p string) string {
	return "/cache/" + strings.TrimPrefix(strings.ReplaceAll(p, "/", "_"), "_")
}

func (k *Kernel) loadCached(p string) *bytecode.Image {
	data, err := k.fs.ReadFile(cachePath(p))
	if err != nil {
		return nil
	}
	img, err := bytecode.UnmarshalImage(data)
	if err != nil {
		k.log.Warningf("dropping corrupt image cache for %s: %v", p, err)
		return nil
	}
	return img
}

func (k *Kernel) storeCached(p string, img *bytecode.Image) {
	data, err := bytecode.MarshalImage(img)
	if err != nil {
		return
	}
	k.fs.AsRoot(true)
	defer k.fs.AsRoot(false)
	if err := k.fs.WriteFile(cachePath(p), data); err != nil {
		k.log.Warningf("caching image for %s: %v", p, err)
	}
}

// Start compiles the configured entry program and loads it as the first
// process.
func (k *Kernel) Start() (int, error) {
	return k.Exec(k.cfg.VM.Entry, []string{k.cfg.VM.Entry})
}

// Exec compiles and loads a program without a parent process.
func (k *Kernel) Exec(p string, argv []string) (int, error) {
	img, err := k.Compile(p)
	if err != nil {
		return -1, err
	}
	return k.machine.Load(p, img, argv, -1)
}

// Tick feeds the tuner one framerate sample and runs one scheduler
// slice at the tuned budget. The interrupt flag, once every process had
// a slice to observe it, is cleared. Returns whether any process
// remains.
func (k *Kernel) Tick(fps float64) bool {
	k.tuner.Observe(fps)
	_, alive := k.machine.Tick(k.tuner.Cycle())
	if k.machine.Interrupted() {
		k.machine.Interrupt(false)
	}
	return alive
}

// Key routes one input byte: Ctrl-C raises the global interrupt flag;
// during line input, bytes edit the pending line and a commit hands it
// to the waiting process.
func (k *Kernel) Key(b byte) {
	if b == 0x03 {
		k.machine.Interrupt(true)
		return
	}
	if k.console.InputActive() {
		if line, done := k.console.Key(b); done {
			k.machine.ProvideInput(line)
		}
	}
}

// Console exposes the display grid for the renderer.
func (k *Kernel) Console() *console.Console { return k.console }

// Machine exposes the VM (used by /proc and the CLI).
func (k *Kernel) Machine() *vm.Machine { return k.machine }

// FS exposes the file system.
func (k *Kernel) FS() *vfs.FS { return k.fs }

// Session returns the boot session id.
func (k *Kernel) Session() uuid.UUID { return k.session }

// Shutdown persists the file system when storage is configured.
func (k *Kernel) Shutdown() error {
	if k.store == nil {
		return nil
	}
	defer k.store.Close()
	if err := k.store.Save(k.fs); err != nil {
		return fmt.Errorf("kernel: saving file system: %w", err)
	}
	return nil
}
