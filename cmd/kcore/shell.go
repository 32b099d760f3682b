package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"github.com/sushant-115/kcore/core/kernel"
	"github.com/sushant-115/kcore/core/kerr"
	"github.com/sushant-115/kcore/core/memory/pagealloc"
	"github.com/sushant-115/kcore/core/storage/bcache"
	"github.com/sushant-115/kcore/core/storage/blockdev"
)

var errExit = errors.New("exit")

func init() {
	rootCmd.AddCommand(newShellCmd())
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive session against a booted kernel",
		Long: `The shell command boots the kernel and reads commands from the terminal.
Buffers returned by bread stay locked by the session until brelse.
A fatal kernel error ends the session.

Example:
  kcore shell
  kcore> alloc 0
  kcore> bread 1 33`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, _, cleanup, err := bootKernel()
			if err != nil {
				return err
			}
			defer cleanup()
			return runShell(k)
		},
	}
}

var shellCompleter = readline.NewPrefixCompleter(
	readline.PcItem("alloc"),
	readline.PcItem("free"),
	readline.PcItem("share"),
	readline.PcItem("refs"),
	readline.PcItem("bread"),
	readline.PcItem("bwrite"),
	readline.PcItem("brelse"),
	readline.PcItem("bpin"),
	readline.PcItem("bunpin"),
	readline.PcItem("poke"),
	readline.PcItem("stats"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

func runShell(k *kernel.Kernel) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "kcore> ",
		AutoComplete:    shellCompleter,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()

	sh := newShell(k, rl.Stdout())
	fmt.Fprintf(sh.out, "kcore shell (boot %s). Type 'help' for commands, 'exit' to leave.\n", k.ID)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		err = sh.exec(args)
		if errors.Is(err, errExit) {
			break
		}
		if kerr.IsFatal(err) {
			fmt.Fprintf(sh.out, "%v\n", err)
			sh.releaseAll()
			return err
		}
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
	}
	sh.releaseAll()
	return nil
}

// shell executes one command line at a time against a kernel. It is driven
// from a single goroutine, which therefore owns every buffer it holds.
type shell struct {
	k    *kernel.Kernel
	out  io.Writer
	held map[int]*bcache.Buf
}

func newShell(k *kernel.Kernel, out io.Writer) *shell {
	return &shell{k: k, out: out, held: make(map[int]*bcache.Buf)}
}

// exec runs one command. A broken kernel invariant comes back as an error
// carrying *kerr.FatalError.
func (s *shell) exec(args []string) error {
	return kerr.Recover(func() error {
		return s.dispatch(strings.ToLower(args[0]), args[1:])
	})
}

func (s *shell) dispatch(cmd string, args []string) error {
	switch cmd {
	case "alloc":
		if err := need(args, 1, "alloc <core>"); err != nil {
			return err
		}
		core, err := parseCore(args[0])
		if err != nil {
			return err
		}
		p, err := s.k.Pages.Allocate(core)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%#x\n", uintptr(p))
	case "free":
		if err := need(args, 2, "free <core> <addr>"); err != nil {
			return err
		}
		core, err := parseCore(args[0])
		if err != nil {
			return err
		}
		p, err := parsePage(args[1])
		if err != nil {
			return err
		}
		s.k.Pages.Release(core, p)
	case "share":
		if err := need(args, 1, "share <addr>"); err != nil {
			return err
		}
		p, err := parsePage(args[0])
		if err != nil {
			return err
		}
		s.k.Pages.AddOwner(p)
		fmt.Fprintf(s.out, "refs %d\n", s.k.Pages.RefCount(p))
	case "refs":
		if err := need(args, 1, "refs <addr>"); err != nil {
			return err
		}
		p, err := parsePage(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "refs %d\n", s.k.Pages.RefCount(p))
	case "bread":
		if err := need(args, 2, "bread <dev> <block>"); err != nil {
			return err
		}
		dev, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		blockno, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		if b := s.find(dev, blockno); b != nil {
			return fmt.Errorf("block %d/%d already held as buffer %d", dev, blockno, b.ID())
		}
		b := s.k.Cache.Read(dev, blockno)
		s.held[b.ID()] = b
		fmt.Fprintf(s.out, "buf %d dev %d block %d: %q\n", b.ID(), dev, blockno, preview(b.Data()))
	case "bwrite", "brelse", "bpin", "bunpin":
		if err := need(args, 1, cmd+" <buf>"); err != nil {
			return err
		}
		b, err := s.buf(args[0])
		if err != nil {
			return err
		}
		switch cmd {
		case "bwrite":
			s.k.Cache.Write(b)
		case "brelse":
			delete(s.held, b.ID())
			s.k.Cache.Release(b)
		case "bpin":
			s.k.Cache.Pin(b)
		case "bunpin":
			// The session's own reference is not a pin. Dropping it would
			// let a miss pick this buffer while the session still locks it.
			if s.k.Cache.RefCount(b) <= 1 {
				return fmt.Errorf("buffer %d has no pin to drop", b.ID())
			}
			s.k.Cache.Unpin(b)
		}
		if cmd != "brelse" {
			fmt.Fprintf(s.out, "buf %d refcnt %d\n", b.ID(), s.k.Cache.RefCount(b))
		}
	case "poke":
		if len(args) < 2 {
			return fmt.Errorf("usage: poke <buf> <text>")
		}
		b, err := s.buf(args[0])
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		if len(text) > blockdev.BlockSize {
			return fmt.Errorf("text longer than a block")
		}
		copy(b.Data(), text)
	case "stats":
		return printJSON(s.out, newReport(s.k))
	case "help":
		fmt.Fprintln(s.out, "Commands:")
		fmt.Fprintln(s.out, "  alloc <core>             allocate a page on a core")
		fmt.Fprintln(s.out, "  free <core> <addr>       drop one owner of a page")
		fmt.Fprintln(s.out, "  share <addr>             add an owner to a page")
		fmt.Fprintln(s.out, "  refs <addr>              show a page's owner count")
		fmt.Fprintln(s.out, "  bread <dev> <block>      read a block and hold its buffer")
		fmt.Fprintln(s.out, "  poke <buf> <text>        overwrite the start of a held buffer")
		fmt.Fprintln(s.out, "  bwrite <buf>             write a held buffer to the device")
		fmt.Fprintln(s.out, "  brelse <buf>             release a held buffer")
		fmt.Fprintln(s.out, "  bpin <buf> / bunpin <buf>")
		fmt.Fprintln(s.out, "  stats")
		fmt.Fprintln(s.out, "  exit")
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", cmd)
	}
	return nil
}

// find returns the held buffer for dev/blockno, if any. Reading a block the
// session already holds would wait on its own content lock forever.
func (s *shell) find(dev, blockno uint32) *bcache.Buf {
	for _, b := range s.held {
		if b.Dev() == dev && b.BlockNo() == blockno {
			return b
		}
	}
	return nil
}

func (s *shell) buf(arg string) (*bcache.Buf, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return nil, fmt.Errorf("bad buffer id %q", arg)
	}
	b, ok := s.held[id]
	if !ok {
		return nil, fmt.Errorf("buffer %d is not held by this session", id)
	}
	return b, nil
}

// releaseAll hands back every buffer still held, in id order.
func (s *shell) releaseAll() {
	ids := make([]int, 0, len(s.held))
	for id := range s.held {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		b := s.held[id]
		delete(s.held, id)
		_ = kerr.Recover(func() error {
			if b.Holding() {
				s.k.Cache.Release(b)
			}
			return nil
		})
	}
}

func need(args []string, n int, usage string) error {
	if len(args) != n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func parseCore(s string) (pagealloc.CoreID, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad core id %q", s)
	}
	return pagealloc.CoreID(n), nil
}

func parsePage(s string) (pagealloc.Page, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q", s)
	}
	return pagealloc.Page(n), nil
}

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return uint32(n), nil
}

// preview returns the printable prefix of a block, stopping at the first NUL.
func preview(data []byte) string {
	n := 0
	for n < len(data) && n < 32 && data[n] != 0 {
		n++
	}
	return string(data[:n])
}
