// Command kernelctl exercises DCache, ZoneMap and SignalCore end-to-end
// against an in-process fake filesystem driver and a toy scheduler: a
// small, real entry point that wires the library packages together instead
// of only existing in tests.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/opuntiaos/kernelcore/internal/archsim"
	"github.com/opuntiaos/kernelcore/internal/dcache"
	"github.com/opuntiaos/kernelcore/internal/kernconfig"
	"github.com/opuntiaos/kernelcore/internal/kmetrics"
	"github.com/opuntiaos/kernelcore/internal/scheduler"
	"github.com/opuntiaos/kernelcore/internal/signalcore"
	"github.com/opuntiaos/kernelcore/internal/vfsdriver"
	"github.com/opuntiaos/kernelcore/internal/zonemap"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kernelctl",
		Short: "Drive the DCache/ZoneMap/SignalCore kernel cores from the command line",
		Long: `kernelctl builds a fresh in-memory DCache, ZoneMap and SignalCore over a
synthetic filesystem driver and scheduler, then runs the requested operation
against them. It has no on-disk state of its own: each invocation seeds a
small demo cache/zone-map/thread to operate on, the same way the test suite
does, so the three cores can be driven and inspected without a real kernel
underneath them.`,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a kernconfig YAML overlay")

	root.AddCommand(cacheCmd(), zoneCmd(), signalCmd())
	return root
}

func loadConfig() (kernconfig.Config, error) {
	return kernconfig.Load(cfgFile)
}

// demoCache builds a Cache seeded with a handful of synthetic inodes over
// the fake driver, wired to a real Prometheus registry the way a production
// boot path would, so "cache stat" has something to report on.
func demoCache(cfg kernconfig.Config) (*dcache.Cache, *vfsdriver.Fake) {
	drv := vfsdriver.New()
	drv.Seed(1, 1, 0x4000, []byte("root"))
	drv.Seed(1, 2, 0x8000, []byte("hello world"))
	drv.Seed(1, 3, 0x8000, []byte("dirty me"))

	reg := prometheus.NewRegistry()
	c := dcache.New(cfg, drv)
	c.SetMetrics(kmetrics.NewDCacheMetrics(reg))
	return c, drv
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and drive the dentry/inode cache (DCache)",
	}
	cmd.AddCommand(cacheStatCmd(), cacheSweepCmd())
	return cmd
}

func cacheStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Pin a few demo dentries and print DCache's counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, _ := demoCache(cfg)
			ctx := context.Background()

			for _, ino := range []uint32{1, 2, 3} {
				if _, err := c.Get(ctx, 1, ino); err != nil {
					return fmt.Errorf("get(1,%d): %w", ino, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cached_dentries=%d cached_inode_bytes=%d can_cache_inodes=%t\n",
				c.CachedDentries(), c.CachedInodeBytes(), c.CanCacheInodes())
			return nil
		},
	}
}

func cacheSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Pin, release and sweep demo dentries, printing before/after counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c, _ := demoCache(cfg)
			ctx := context.Background()

			var held []*dcache.Dentry
			for _, ino := range []uint32{1, 2, 3} {
				d, err := c.Get(ctx, 1, ino)
				if err != nil {
					return fmt.Errorf("get(1,%d): %w", ino, err)
				}
				held = append(held, d)
			}
			for _, d := range held {
				if err := c.Put(ctx, d); err != nil {
					return fmt.Errorf("put: %w", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "before sweep: cached_inode_bytes=%d\n", c.CachedInodeBytes())
			c.SweepUnreferenced(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "after sweep:  cached_inode_bytes=%d can_cache_inodes=%t\n",
				c.CachedInodeBytes(), c.CanCacheInodes())
			return nil
		},
	}
}

func zoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zone",
		Short: "Drive a per-process ZoneMap (address-space regions)",
	}
	cmd.AddCommand(zoneNewCmd(), zoneLsCmd())
	return cmd
}

// demoPid is the process every zone command operates on: each invocation
// starts from an empty address space, the same way demoCache starts from a
// freshly seeded cache.
const demoPid uint32 = 1

// demoZoneManager builds a per-process zone manager wired to a real
// Prometheus registry the way a production boot path would.
func demoZoneManager(cfg kernconfig.Config) *zonemap.Manager {
	reg := prometheus.NewRegistry()
	mgr := zonemap.NewManager(cfg.PageSize, cfg.KernelBase)
	mgr.SetMetrics(kmetrics.NewZoneMetrics(reg))
	return mgr
}

func zoneNewCmd() *cobra.Command {
	var start, length uint64
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Place a new zone at [start, start+len) in a fresh demo process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr := demoZoneManager(cfg)
			z, err := mgr.NewZone(demoPid, start, length)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "zone placed at [%#x, %#x)\n", z.Start, z.End())
			return nil
		},
	}
	cmd.Flags().Uint64Var(&start, "start", 0, "requested start address")
	cmd.Flags().Uint64Var(&length, "len", 0x1000, "requested length in bytes")
	return cmd
}

func zoneLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "Seed a demo process with a few zones and list them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr := demoZoneManager(cfg)
			if _, err := mgr.NewZone(demoPid, 0, cfg.PageSize); err != nil {
				return err
			}
			if _, err := mgr.NewZone(demoPid, cfg.PageSize*4, cfg.PageSize*2); err != nil {
				return err
			}
			if _, err := mgr.NewRandomZoneBackward(demoPid, cfg.PageSize); err != nil {
				return fmt.Errorf("no room for a backward zone below kernel base: %w", err)
			}
			for _, z := range mgr.MapFor(demoPid).Zones() {
				fmt.Fprintf(cmd.OutOrStdout(), "[%#x, %#x)\n", z.Start, z.End())
			}
			return nil
		},
	}
}

func signalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Dispatch a signal against a demo thread",
	}
	cmd.AddCommand(signalSendCmd())
	return cmd
}

// signalCallerStub stands in for the signal_caller assembly region copied
// into the trampoline page at init; the real stub calls the user handler
// and issues the signal-return syscall.
var signalCallerStub = []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0xCD, 0x80}

// inertPlatformStack is a PlatformStack that does nothing, standing in for
// the real per-architecture trampoline-stack layout code kernelctl has no
// business implementing.
type inertPlatformStack struct{}

func (inertPlatformStack) PrepareStack(*signalcore.Thread, int, uint64, signalcore.StackMagic) error {
	return nil
}

func (inertPlatformStack) RestoreStack(*signalcore.Thread) (uint64, signalcore.StackMagic, error) {
	return 0, signalcore.JustTF, nil
}

func signalSendCmd() *cobra.Command {
	var signo int
	var installHandler bool
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Allow, queue and dispatch one signal against a fresh demo thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sched := scheduler.New()
			reg := prometheus.NewRegistry()
			metrics := kmetrics.NewSignalMetrics(reg)

			dispatcher := signalcore.NewDispatcher(sched, inertPlatformStack{}, archsim.NewPageDirectorySwitcher(0))
			dispatcher.SetMetrics(metrics)

			// Build the trampoline page the way boot-time signal_init
			// would: a zone below kernel base, loaded writable, stamped
			// with the caller stub, then sealed read+exec+user.
			zones := zonemap.New(cfg.PageSize, cfg.KernelBase)
			pageTable := archsim.NewSimPageTable(cfg.PageSize)
			jumper, err := signalcore.InitJumper(zones, pageTable, cfg.PageSize, signalCallerStub)
			if err != nil {
				return err
			}
			dispatcher.SetJumper(jumper)

			thread := signalcore.NewThread(0, &signalcore.Trapframe{}, &signalcore.Context{})
			if installHandler {
				if err := thread.Signals.SetHandler(signo, 0x1000); err != nil {
					return err
				}
			}
			if err := thread.Signals.SetAllow(signo, true); err != nil {
				return err
			}
			if err := thread.Signals.SetPending(signo); err != nil {
				return err
			}

			if err := dispatcher.DispatchPending(thread); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dispatched signal %d; terminated=%t queued=%d trampoline=%#x\n",
				signo, sched.Dead(thread), len(sched.Queued()), jumper.Start)

			// A handler-driven dispatch spliced the thread's stack to call
			// into user code; the trampoline's signal_return syscall is
			// what drives the restore half, so only run it down that path
			// (the default-action/terminate path has nothing to restore).
			if installHandler {
				ret, err := dispatcher.RestoreThreadAfterHandlingSignal(thread)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored thread after signal %d; ret=%#x queued=%d\n",
					signo, ret, len(sched.Queued()))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&signo, "signo", 9, "signal number to dispatch")
	cmd.Flags().BoolVar(&installHandler, "handler", false, "install a user handler instead of relying on the default action")
	return cmd
}
