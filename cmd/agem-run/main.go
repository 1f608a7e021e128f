package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/sched"
	"github.com/agem-lang/agem/vm"
)

// agem-run drives the runtime with a synthetic workload: a set of echo
// blocks fed by sender blocks. It exists to exercise the scheduler from the
// command line until the compiler lands; the flags map onto the scheduler
// options.
// TODO: accept compiled unit files once the compiler ships a serializer.

var (
	flagWorkers    = flag.Int("workers", runtime.NumCPU(), "worker goroutines (0 for single-threaded stepping)")
	flagPairs      = flag.Int("pairs", 4, "echo/sender block pairs")
	flagMessages   = flag.Int("messages", 1000, "messages per sender")
	flagSteal      = flag.Bool("steal", true, "enable work stealing")
	flagLogLevel   = flag.String("log", "info", "log level: trace|debug|info|warning|error")
	flagCheckpoint = flag.String("checkpoints", "", "checkpoint storage directory (enables checkpointing)")
	flagDuration   = flag.Duration("timeout", 30*time.Second, "give up after this long")
)

func parseLevel(s string) gen.LogLevel {
	switch s {
	case "trace":
		return gen.LogLevelTrace
	case "debug":
		return gen.LogLevelDebug
	case "warning":
		return gen.LogLevelWarning
	case "error":
		return gen.LogLevelError
	default:
		return gen.LogLevelInfo
	}
}

// buildUnit assembles the workload unit: the main chunk spawns one echo
// block and pumps n integers at it.
func buildUnit(n int) *vm.Bytecode {
	unit := vm.NewBytecode("1.0.0")

	echo := &vm.Function{Name: "echo", Arity: 0, Chunk: vm.NewChunk()}
	ec := echo.Chunk
	ec.WriteOp(vm.OpReceive, 1)
	ec.WriteOp(vm.OpPop, 1)
	ec.EmitLoop(0, 1)
	echoIdx := unit.AddFunction(echo)

	m := unit.Main
	m.WriteOp(vm.OpClosure, 1)
	m.WriteU16(uint16(echoIdx), 1)
	m.EmitByte(0, 1)
	m.WriteOp(vm.OpSpawn, 1)
	peer := m.AddConstant(vm.Str("peer"))
	m.WriteOp(vm.OpDefineGlobal, 1)
	m.WriteU16(uint16(peer), 1)

	one := m.AddConstant(vm.Int(1))
	for i := 0; i < n; i++ {
		m.WriteOp(vm.OpGetGlobal, 2)
		m.WriteU16(uint16(peer), 2)
		m.WriteOp(vm.OpConst, 2)
		m.WriteU16(uint16(one), 2)
		m.WriteOp(vm.OpSend, 2)
		m.WriteOp(vm.OpPop, 2)
	}
	m.WriteOp(vm.OpHalt, 3)
	return unit
}

func main() {
	flag.Parse()

	options := gen.SchedulerOptions{
		Name:           "agem-run",
		NumWorkers:     *flagWorkers,
		EnableStealing: *flagSteal,
		LogLevel:       parseLevel(*flagLogLevel),
	}
	if *flagCheckpoint != "" {
		options.Checkpoint = gen.CheckpointOptions{
			Enabled:     true,
			StoragePath: *flagCheckpoint,
		}
	}

	s, err := sched.New(options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agem-run: %s\n", err)
		os.Exit(1)
	}
	if err := s.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "agem-run: %s\n", err)
		os.Exit(1)
	}

	unit := buildUnit(*flagMessages)
	for i := 0; i < *flagPairs; i++ {
		name := fmt.Sprintf("pump-%d", i)
		if _, err := s.Spawn(unit, sched.SpawnOptions{Name: name}); err != nil {
			fmt.Fprintf(os.Stderr, "agem-run: spawn %s: %s\n", name, err)
			os.Exit(1)
		}
	}

	started := time.Now()
	deadline := started.Add(*flagDuration)
	for {
		if *flagWorkers == 0 {
			s.RunUntilIdle()
		} else {
			time.Sleep(50 * time.Millisecond)
		}
		stats := s.Stats()
		// pumps are done once only the echo blocks (all waiting) remain
		if stats.Terminated >= uint64(*flagPairs) {
			break
		}
		if time.Now().After(deadline) {
			fmt.Fprintln(os.Stderr, "agem-run: timed out waiting for the workload")
			break
		}
	}

	stats := s.Stats()
	fmt.Printf("elapsed       %s\n", time.Since(started).Round(time.Millisecond))
	fmt.Printf("spawned       %d\n", stats.Spawned)
	fmt.Printf("terminated    %d\n", stats.Terminated)
	fmt.Printf("alive         %d\n", stats.Alive)
	fmt.Printf("messages      %d\n", stats.MessagesSent)
	fmt.Printf("steals        %d\n", stats.Steals)
	fmt.Printf("utime/stime   %dus / %dus\n", stats.UserTimeUS, stats.SystemTimeUS)
	s.Stop()
}
