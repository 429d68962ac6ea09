// Command kernos boots a kernel over a machine configuration and pokes
// at it: make filesystems, dump kernel tables, read /proc nodes.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/behrlich/kernos"
	"github.com/behrlich/kernos/internal/sched"
)

var configPath string

func loadConfig() (kernos.MachineConfig, error) {
	if configPath == "" {
		return kernos.DefaultConfig(), nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return kernos.MachineConfig{}, err
	}
	return kernos.ParseConfig(data)
}

func bootKernel() (*kernos.Kernel, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	k, err := kernos.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := k.Boot(); err != nil {
		return nil, err
	}
	return k, nil
}

func main() {
	root := &cobra.Command{
		Use:   "kernos",
		Short: "Boot and inspect a kernos machine",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "machine config (YAML)")

	root.AddCommand(bootCmd(), mkfsCmd(), infoCmd(), procCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kernos:", err)
		os.Exit(1)
	}
}

func bootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the machine and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := bootKernel()
			if err != nil {
				return err
			}

			fmt.Println(k.String(), "booted")

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			fmt.Println("shutting down")
			return k.Shutdown()
		},
	}
}

func mkfsCmd() *cobra.Command {
	var sizeMB, blockSize int
	cmd := &cobra.Command{
		Use:   "mkfs <image>",
		Short: "Create an ext2 filesystem in a disk image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := kernos.MachineConfig{
				Hostname: "mkfs",
				Disks: []kernos.DiskConfig{
					{Name: "target", Image: args[0], SizeMB: sizeMB, BlockSize: blockSize},
				},
			}

			k, err := kernos.New(cfg)
			if err != nil {
				return err
			}
			if err := k.Boot(); err != nil {
				return err
			}
			defer k.Shutdown()

			if err := k.RunTask("mkfs", func(t *sched.Task) error {
				return k.Mkfs(t, "target")
			}); err != nil {
				return err
			}

			fmt.Printf("created ext2 filesystem on %s (%d MB, %d-byte blocks)\n", args[0], sizeMB, blockSize)
			return nil
		},
	}
	cmd.Flags().IntVar(&sizeMB, "size-mb", 16, "image size in MB")
	cmd.Flags().IntVar(&blockSize, "block-size", 1024, "filesystem block size")
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Boot the machine and dump its tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := bootKernel()
			if err != nil {
				return err
			}
			defer k.Shutdown()

			fmt.Println(k.String())

			taskTable := tablewriter.NewWriter(os.Stdout)
			taskTable.SetHeader([]string{"Pid", "PPid", "PGid", "State", "Name"})
			for _, t := range k.Scheduler().Tasks() {
				taskTable.Append([]string{
					fmt.Sprint(t.Pid), fmt.Sprint(t.PPid), fmt.Sprint(t.Pgid), t.State, t.Name,
				})
			}
			taskTable.Render()

			return k.RunTask("info", func(t *sched.Task) error {
				routeTable := tablewriter.NewWriter(os.Stdout)
				routeTable.SetHeader([]string{"Dest", "Mask", "Gateway", "Iface", "Up"})
				for _, r := range k.Net().Routes().Dump(t) {
					routeTable.Append([]string{
						r.Dest.String(), r.Mask.String(), r.Gateway.String(), r.Iface, fmt.Sprint(r.Up),
					})
				}
				routeTable.Render()

				snap := k.Metrics().Snapshot()
				fmt.Printf("syscalls=%d cache hit/miss=%d/%d blocks r/w=%d/%d packets in/out=%d/%d uptime=%.2fs\n",
					snap.Syscalls, snap.CacheHits, snap.CacheMisses,
					snap.BlockReads, snap.BlockWrites,
					snap.PacketsIn, snap.PacketsOut, snap.UptimeSeconds)
				return nil
			})
		},
	}
}

func procCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proc <path>",
		Short: "Read a /proc node (tasks, interrupts, net/route, ...)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := bootKernel()
			if err != nil {
				return err
			}
			defer k.Shutdown()

			return k.RunTask("proc", func(t *sched.Task) error {
				content, err := k.Proc().Read(t, args[0])
				if err != nil {
					return err
				}
				fmt.Print(content)
				return nil
			})
		},
	}
}
