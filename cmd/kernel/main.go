// Command kernel boots the core: it brings up physical memory, the
// kernel address space and heap, the scheduler, the trap dispatcher,
// the VFS and its backing filesystems, and the syscall gate, in that
// order, then creates the init process, logs that it reached idle, and
// returns.
//
// This core runs as an ordinary Go process, not on bare metal, so
// "booting" means constructing the same singletons a real boot sequence
// would in the same dependency order, rather than parsing a multiboot
// info structure. A fixed-size arena stands in for the memory map a
// real bootloader would hand off.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"oskernel/defs"
	"oskernel/fat32"
	"oskernel/kconfig"
	"oskernel/klog"
	"oskernel/memfs"
	"oskernel/mm/kheap"
	"oskernel/mm/pmm"
	"oskernel/mm/vma"
	"oskernel/mm/vmm"
	"oskernel/proc"
	"oskernel/sched"
	"oskernel/trap"
	"oskernel/usyscall"
	"oskernel/vfs"
)

const (
	totalFrames    = 32 * 1024 // 128 MiB of simulated physical memory
	kernelReserved = 256       // frames reserved for the kernel image + bitmap
	kheapVa        = vmm.Va_t(0xd0000000)
)

func main() {
	cfgPath := flag.String("config", "", "path to a kconfig TOML file")
	diskPath := flag.String("disk", "", "path to a FAT32 disk image to mount at /mnt")
	flag.Parse()

	cfg := kconfig.Default()
	if *cfgPath != "" {
		loaded, err := kconfig.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kconfig: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		klog.SetLevel(lvl)
	}
	klog.L().WithField("config", cfg).Info("boot: tunables loaded")

	boot(cfg, *diskPath)
}

func boot(cfg kconfig.Config_t, diskPath string) {
	// 1. Physical frame allocator: the foundation every later subsystem
	// allocates memory through.
	pmm.Init(0, totalFrames, [][2]int{{0, kernelReserved}})
	klog.L().WithField("frames", totalFrames).Info("boot: pmm initialized")

	// 2. Kernel address space and heap, so subsystem init can allocate.
	kpd := vmm.NewPagedir(pmm.Inst)
	vmm.Switch_pagedir(kpd)
	kheap.Init(kpd, pmm.Inst, kheapVa, cfg.HeapCapacityBytes)
	klog.L().Info("boot: kernel heap initialized")

	// 3. Scheduler and trap dispatcher, before anything that can block
	// or fault exists. The page-fault handler defers to the current
	// process's VMA table, which only exists once proc.Init runs below,
	// so it looks the process up on every fault rather than capturing
	// one at registration time.
	sched.Init()
	trap.Register_exception(trap.VEC_PAGEFLT, func(tf *trap.Trapframe_t) {
		p := proc.Current()
		if p == nil {
			klog.Panic("page fault with no current process", map[string]interface{}{"addr": tf.FaultAddr})
			return
		}
		errcode := vma.Errcode_t(tf.Errcode)
		if p.Vmas.Resolve_fault(vmm.Va_t(tf.FaultAddr), errcode) == vma.FAULT_FATAL {
			proc.Kill(p.Pid, defs.SIGSEGV)
		}
	})
	klog.L().Info("boot: scheduler and page-fault handler initialized")

	// 4. VFS: memfs always backs the root; a FAT32 image, if given,
	// mounts under it.
	vfs.Init()
	root := memfs.NewDir("/")
	vfs.Set_root(root)
	root.Create("tmp", true)
	root.Create("proc", true)
	root.Create("mnt", true)
	klog.L().Info("boot: memfs root mounted")

	if diskPath != "" {
		disk, err := fat32.OpenFileDisk(diskPath)
		if err != nil {
			klog.L().WithField("err", err).Fatal("boot: open disk image")
		}
		vol, ferr := fat32.Mount(disk, 2048, 0)
		if ferr != 0 {
			klog.L().WithField("err", ferr).Fatal("boot: mount FAT32 volume")
		}
		if merr := vfs.Mount("/mnt", vol.Root()); merr != 0 {
			klog.L().WithField("err", merr).Fatal("boot: splice FAT32 root into /mnt")
		}
		klog.L().WithField("label", cfg.VolumeLabel).Info("boot: FAT32 volume mounted at /mnt")
	}

	// 5. Process table and the init process, pid 1.
	proc.Init()
	initProc := proc.MkRoot(pmm.Inst, root)
	klog.L().WithField("pid", initProc.Pid).Info("boot: init process created")

	// 6. Timer IRQ: drives CPU-time accounting and scheduling decisions.
	// Registered after the process table exists, since proc.Tick looks
	// up the current process on every tick.
	trap.Register_irq(trap.VEC_IRQ0, func(tf *trap.Trapframe_t) {
		proc.Tick()
		trap.Eoi()
	})
	klog.L().Info("boot: timer IRQ registered")

	// 7. Syscall gate, last: every subsystem it can reach must already
	// be initialized before a user process can make its first call.
	usyscall.Init()
	klog.L().Info("boot: syscall gate registered")

	idleLoop(initProc)
}

// idleLoop stands in for the real kernel's "drop to user mode and
// never return" tail: with no real CPU to execute user instructions,
// the boot sequence ends by reporting readiness and exiting cleanly
// rather than spinning forever.
func idleLoop(initProc *proc.Proc_t) {
	klog.L().WithField("pid", initProc.Pid).Info("boot: reached idle; core initialized")
	if s := pmm.Stats(); s != "" {
		klog.L().WithField("pmm", s).Info("boot: frame allocator counters")
	}
}
