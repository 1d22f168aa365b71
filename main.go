//go:build !test

package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"uvmm/arch"
	"uvmm/cmdline"
	"uvmm/cpuid"
	"uvmm/flag"
	"uvmm/machine"
	"uvmm/registry"
	"uvmm/term"
	"uvmm/vmm"
)

func main() {
	bootArgs, probeArgs, err := flag.ParseArgs(os.Args)
	if err != nil {
		log.Fatal(err)
	}

	if probeArgs != nil {
		if err := probeCPUID(); err != nil {
			log.Fatal(err)
		}

		return
	}

	os.Exit(runBoot(bootArgs))
}

// runBoot wires parsed CLI flags into a Registry and an Action Controller,
// the same role flag.Parse's teacher counterpart played for vmm.New/Init/
// Setup/Boot, and then drives the Event Loop Driver to completion.
func runBoot(args *flag.BootArgs) int {
	c := vmm.NewController(args.Dev)

	kernel, err := os.Open(args.Kernel)
	if err != nil {
		log.Printf("open kernel: %v", err)

		return vmm.ExitCodeGenericError
	}

	var initrd *os.File

	if args.Initrd != "" {
		initrd, err = os.Open(args.Initrd)
		if err != nil {
			log.Printf("open initrd: %v", err)

			return vmm.ExitCodeGenericError
		}
	}

	cl := cmdline.New(int(arch.CmdlineMaxSize))
	if err := cl.Insert(args.Params); err != nil {
		log.Printf("building command line: %v", err)

		return vmm.ExitCodeGenericError
	}

	if verr := c.ConfigureBootSource(&registry.BootSource{
		KernelFile: kernel,
		InitrdFile: initrd,
		Cmdline:    cl,
	}); verr != nil {
		log.Printf("ConfigureBootSource: %v", verr)

		return vmm.ExitCodeGenericError
	}

	if verr := c.SetVMConfiguration(registry.VMConfig{
		VCPUCount:  args.NCPUs,
		MemSizeMiB: args.MemSize / (1024 * 1024),
	}); verr != nil {
		log.Printf("SetVMConfiguration: %v", verr)

		return vmm.ExitCodeGenericError
	}

	if args.Disk != "" {
		if verr := c.InsertBlockDevice(registry.BlockConfig{
			DriveID:      "rootfs",
			PathOnHost:   args.Disk,
			IsRootDevice: true,
		}); verr != nil {
			log.Printf("InsertBlockDevice: %v", verr)

			return vmm.ExitCodeGenericError
		}
	}

	if args.TapIfName != "" {
		if verr := c.InsertNetworkDevice(registry.NetworkConfig{
			IfaceID:     "eth0",
			HostDevName: args.TapIfName,
		}); verr != nil {
			log.Printf("InsertNetworkDevice: %v", verr)

			return vmm.ExitCodeGenericError
		}
	}

	if verr := c.StartMicroVm(); verr != nil {
		log.Printf("StartMicroVm: %v", verr)

		return vmm.ExitCodeGenericError
	}

	if term.IsTerminal() {
		restore, err := term.SetRawMode()
		if err != nil {
			log.Printf("SetRawMode: %v", err)
		} else {
			defer restore()
		}
	}

	return c.Run(nil)
}

func probeCPUID() error {
	kvmFile, err := os.Open("/dev/kvm")
	if err != nil {
		return err
	}
	defer kvmFile.Close()

	dump, err := machine.SupportedCPUID(kvmFile.Fd())
	if err != nil {
		return err
	}

	for i := uint32(0); i < dump.Nent; i++ {
		e := dump.Entries[i]
		fmt.Printf("0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x (flag:%x)%s\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx, e.Flags, knownFeatures(e.Function, e.Index, e.Edx))
	}

	return nil
}

// knownFeatures decodes the named bits this package tracks for the leaf
// (Function, Index), e.g. the leaf-7/subleaf-0 EDX bits cpu_template
// patches (see cpuid.Templates). Unrecognized leaves yield "".
func knownFeatures(function, index, edx uint32) string {
	var names []string

	switch {
	case function == 1:
		for _, f := range cpuid.AllF1Edx {
			if edx&(1<<uint32(f)) != 0 {
				names = append(names, f.String())
			}
		}
	case function == 7 && index == 0:
		for _, f := range cpuid.AllF7_0Edx {
			if edx&(1<<uint32(f)) != 0 {
				names = append(names, f.String())
			}
		}
	}

	if len(names) == 0 {
		return ""
	}

	return " [" + strings.Join(names, " ") + "]"
}
