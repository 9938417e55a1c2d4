package commands

import (
	"runtime"

	"github.com/pterm/pterm"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"github.com/orbisworld/orbis/config"
)

// minMemoryBytes is the practical floor for running scenes alongside a
// renderer.
const minMemoryBytes = 4 << 30

// DoctorCmd reports whether this machine can comfortably run the client.
var DoctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Report system capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		pterm.DefaultHeader.Println("Orbis Doctor")

		pterm.Info.Printf("OS: %s/%s, %d logical CPUs\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU())

		if counts, err := cpu.Counts(true); err == nil {
			if counts < 4 {
				pterm.Warning.Printf("Only %d CPUs; each scene runs on its own thread and may starve\n", counts)
			} else {
				pterm.Success.Printf("CPUs: %d\n", counts)
			}
		}

		if vm, err := mem.VirtualMemory(); err == nil {
			if vm.Total < minMemoryBytes {
				pterm.Warning.Printf("Memory: %d MiB total (4 GiB recommended)\n", vm.Total>>20)
			} else {
				pterm.Success.Printf("Memory: %d MiB total, %d MiB available\n", vm.Total>>20, vm.Available>>20)
			}
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if usage, err := disk.Usage(config.Dir()); err == nil {
			free := int64(usage.Free)
			if free < cfg.Cache.MaxBytes {
				pterm.Warning.Printf("Disk: %d MiB free, below the %d MiB cache bound\n", free>>20, cfg.Cache.MaxBytes>>20)
			} else {
				pterm.Success.Printf("Disk: %d MiB free for the content cache\n", free>>20)
			}
		}

		return nil
	},
}
