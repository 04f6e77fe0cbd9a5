package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	embedCheck "dumpmapper/pkg/embed"
	"dumpmapper/pkg/manualmap"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
)

const (
	exitOK = iota
	exitInvalidInput
	exitParse
	exitAllocation
	exitProcessOpen
	exitWrite
)

var (
	pid          int
	key          string
	blankHeaders bool
	strictBase   bool
	dryRun       bool
	noWait       bool
	quiet        bool
)

var rootCmd = &cobra.Command{
	Use:   "dumpmapper <file>",
	Short: "dumpmapper maps a dumped PE image into memory so runtime analysis tools can inspect it",
	Long: `dumpmapper lays out the sections of a 64-bit PE file the way the Windows loader
would, either in its own address space or, with --pid, inside another process.
Imports and relocations are left untouched; the image is for inspection only.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMap,
}

var sealCmd = &cobra.Command{
	Use:           "seal <in> <out>",
	Short:         "seal encrypts a PE file so it can be mapped with --key",
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSeal,
}

func init() {
	f := rootCmd.Flags()
	f.IntVarP(&pid, "pid", "p", env.Int("DUMPMAPPER_PID", 0), "map into the process with this id instead of our own")
	f.BoolVar(&blankHeaders, "blank-headers", env.Bool("DUMPMAPPER_BLANK_HEADERS"), "do not copy the PE headers to the start of the region")
	f.BoolVar(&strictBase, "strict-base", false, "fail if the preferred image base is unavailable")
	f.BoolVar(&dryRun, "dry-run", false, "map into a heap buffer instead of a process")
	f.BoolVar(&noWait, "no-wait", env.Bool("DUMPMAPPER_NO_WAIT"), "exit right after mapping instead of waiting")
	f.BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")

	rootCmd.PersistentFlags().StringVarP(&key, "key", "k", env.Str("DUMPMAPPER_KEY"), "key for sealed images")

	rootCmd.AddCommand(sealCmd)
}

func runMap(cmd *cobra.Command, args []string) error {
	logger := log.New(cmd.OutOrStdout(), "", log.LstdFlags)
	if quiet {
		logger = log.New(io.Discard, "", 0)
	}

	m := manualmap.New(manualmap.Config{
		PID:          pid,
		Password:     key,
		BlankHeaders: blankHeaders,
		StrictBase:   strictBase,
		DryRun:       dryRun,
		Logger:       logger,
	})

	var (
		region *manualmap.Region
		err    error
	)
	switch {
	case len(args) == 1:
		region, err = m.MapFile(args[0])
	case embedCheck.IsEmbedded:
		logger.Println("[+] Using embedded image")
		region, err = m.MapBytes("embedded", embedCheck.EmbeddedBytes)
	default:
		cmd.Usage()
		return fmt.Errorf("%w: no file path given", manualmap.ErrInvalidInput)
	}
	if err != nil {
		return err
	}

	printRegion(cmd.OutOrStdout(), region)

	if noWait || dryRun {
		return nil
	}
	waitForExit(cmd.InOrStdin(), cmd.OutOrStdout())
	return nil
}

func printRegion(w io.Writer, region *manualmap.Region) {
	fmt.Fprintf(w, "[+] Memory is allocated at 0x%x (0x%x bytes, preferred 0x%x) in %s\n",
		region.Base, region.Size, region.Preferred, region.Target)
	for _, s := range region.Sections {
		fmt.Fprintf(w, "[+]  %-8s 0x%x-0x%x\n", s.Name, s.Address, s.Address+uintptr(s.Size))
	}
}

// waitForExit keeps the mapped region alive until Enter is pressed or the
// process is interrupted.
func waitForExit(in io.Reader, out io.Writer) {
	fmt.Fprintln(out, "Press Enter to exit...")

	done := make(chan struct{})
	go func() {
		bufio.NewReader(in).ReadString('\n')
		close(done)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	select {
	case <-done:
	case <-sig:
	}
}

func runSeal(cmd *cobra.Command, args []string) error {
	if key == "" {
		return fmt.Errorf("%w: seal needs --key", manualmap.ErrInvalidInput)
	}

	plaintext, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("%w: %v", manualmap.ErrInvalidInput, err)
	}

	sealed, err := manualmap.Seal(plaintext, key)
	if err != nil {
		return err
	}

	if err := os.WriteFile(args[1], sealed, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "[+] Sealed %s to %s (%d bytes)\n", args[0], args[1], len(sealed))
	return nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, manualmap.ErrInvalidInput):
		return exitInvalidInput
	case errors.Is(err, manualmap.ErrParse), errors.Is(err, manualmap.ErrUnsupportedFormat):
		return exitParse
	case errors.Is(err, manualmap.ErrAllocation):
		return exitAllocation
	case errors.Is(err, manualmap.ErrProcessOpen):
		return exitProcessOpen
	case errors.Is(err, manualmap.ErrWrite):
		return exitWrite
	default:
		return exitInvalidInput
	}
}

func main() {
	log.SetOutput(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		log.Println("[-]", err)
		os.Exit(exitCode(err))
	}
}
