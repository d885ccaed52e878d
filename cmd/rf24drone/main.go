package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SeneAlukard/rf24drone/internal/crypto"
	"github.com/SeneAlukard/rf24drone/internal/flightlog"
	"github.com/SeneAlukard/rf24drone/internal/ground"
	"github.com/SeneAlukard/rf24drone/internal/metrics"
	"github.com/SeneAlukard/rf24drone/internal/node"
	"github.com/SeneAlukard/rf24drone/internal/protocol"
	"github.com/SeneAlukard/rf24drone/internal/registry"
	"github.com/SeneAlukard/rf24drone/internal/sensor"
	"github.com/SeneAlukard/rf24drone/internal/transport"
)

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".rf24drone")
}

var rootCmd = &cobra.Command{
	Use:   "rf24drone",
	Short: "Leader-arbitrated drone swarm over a shared 2.4 GHz link.",
	Long: `rf24drone runs the drones and the ground station of a small swarm that
shares one half-duplex radio channel.

Drones join through the ground station, one of them leads, and the leader
hands out a single-use permission to transmit so followers never talk over
each other. Without radio hardware the link is emulated over UDP multicast.`,
	SilenceUsage: true,
}

func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	debug, _ := cmd.Flags().GetBool("debug")
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serveMetrics(cmd *cobra.Command, m *metrics.Metrics, log *zap.Logger) {
	addr, _ := cmd.Flags().GetString("metrics")
	if addr == "" {
		return
	}
	go func() {
		if err := m.Serve(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics listener stopped", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("addr", addr))
}

// channels builds the swarm and ground channel settings from flags. With a
// secret file the pipe addresses are derived from it.
func channels(cmd *cobra.Command) (transport.Channel, transport.Channel, error) {
	swarm, ground := transport.DefaultSwarmChannel(), transport.DefaultGroundChannel()

	rateName, _ := cmd.Flags().GetString("rate")
	rate, err := transport.ParseDataRate(rateName)
	if err != nil {
		return swarm, ground, err
	}
	swarmCh, _ := cmd.Flags().GetUint8("swarm-channel")
	groundCh, _ := cmd.Flags().GetUint8("ground-channel")
	swarm.Number, swarm.Rate = swarmCh, rate
	ground.Number, ground.Rate = groundCh, rate

	secretPath, _ := cmd.Flags().GetString("secret")
	if secretPath == "" {
		return swarm, ground, nil
	}
	secret, err := crypto.LoadSecret(secretPath)
	if err != nil {
		return swarm, ground, fmt.Errorf("load secret %s: %w", secretPath, err)
	}
	pipes, err := crypto.DerivePipes(secret)
	if err != nil {
		return swarm, ground, err
	}
	swarm.TX, swarm.RX = pipes.Swarm, pipes.Swarm
	ground.TX, ground.RX = pipes.Ground, pipes.Ground
	return swarm, ground, nil
}

func udpRadio(cmd *cobra.Command, log *zap.Logger) (*transport.UDPRadio, error) {
	group, _ := cmd.Flags().GetString("group")
	iface, _ := cmd.Flags().GetString("iface")
	return transport.NewUDP(transport.UDPConfig{Group: group, Interface: iface, Logger: log})
}

func parseIDs(raw []uint) ([]protocol.ID, error) {
	out := make([]protocol.ID, 0, len(raw))
	for _, v := range raw {
		if v == 0 || v > 255 {
			return nil, fmt.Errorf("id %d out of range 1..255", v)
		}
		out = append(out, protocol.ID(v))
	}
	return out, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ─── drone ───────────────────────────────────────────────────────────────────

var droneCmd = &cobra.Command{
	Use:   "drone",
	Short: "Run one drone on the emulated radio link",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		swarm, gnd, err := channels(cmd)
		if err != nil {
			return err
		}
		radio, err := udpRadio(cmd, log)
		if err != nil {
			return err
		}
		defer radio.Close()

		name, _ := cmd.Flags().GetString("name")
		tempID, _ := cmd.Flags().GetUint8("temp-id")
		dual, _ := cmd.Flags().GetBool("dual")
		rawRoster, _ := cmd.Flags().GetUintSlice("roster")
		roster, err := parseIDs(rawRoster)
		if err != nil {
			return err
		}
		sensorKind, _ := cmd.Flags().GetString("sensor")
		imu, err := sensor.ByName(sensorKind, uint64(time.Now().UnixNano()))
		if err != nil {
			return err
		}

		m := metrics.New()
		n, err := node.New(node.Config{
			Radio:       radio,
			Sensor:      imu,
			Name:        name,
			TempID:      protocol.ID(tempID),
			Roster:      roster,
			Swarm:       swarm,
			Ground:      gnd,
			DualContext: dual,
			Logger:      log,
			Metrics:     m,
		})
		if err != nil {
			return err
		}
		serveMetrics(cmd, m, log)

		ctx, stop := signalContext()
		defer stop()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case c := <-n.Commands():
					fmt.Printf("command: %s\n", c.Text)
				}
			}
		}()

		st := n.Status()
		fmt.Printf("\n  Drone    : %s (temp id %d)\n", name, st.TempID)
		fmt.Printf("  Swarm    : channel %d, pipe %s\n", swarm.Number, swarm.RX)
		if dual {
			fmt.Printf("  Ground   : channel %d, pipe %s\n", gnd.Number, gnd.RX)
		}
		fmt.Println()

		if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		st = n.Status()
		fmt.Printf("\nStopped as %s, id %d, link quality %.0f%%\n", st.Role, st.ID(), st.LinkQuality())
		return nil
	},
}

// ─── ground ──────────────────────────────────────────────────────────────────

var groundCmd = &cobra.Command{
	Use:   "ground",
	Short: "Run the ground station",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		dataDir, _ := cmd.Flags().GetString("data")
		swarmName, _ := cmd.Flags().GetString("swarm")
		endpoints, _ := cmd.Flags().GetStringSlice("etcd")
		uplink, _ := cmd.Flags().GetBool("uplink")
		rawPool, _ := cmd.Flags().GetUintSlice("pool")
		pool, err := parseIDs(rawPool)
		if err != nil {
			return err
		}

		swarm, gnd, err := channels(cmd)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return err
		}
		fl, err := flightlog.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open flight log: %w", err)
		}
		defer fl.Close()

		ctx, stop := signalContext()
		defer stop()

		cfg := ground.Config{
			Swarm:     swarm,
			Ground:    gnd,
			SwarmName: swarmName,
			Pool:      pool,
			FlightLog: fl,
			Metrics:   metrics.New(),
			Logger:    log,
		}

		radio, err := udpRadio(cmd, log)
		if err != nil {
			return err
		}
		defer radio.Close()
		cfg.Radio = radio

		if uplink {
			up, err := udpRadio(cmd, log)
			if err != nil {
				return err
			}
			defer up.Close()
			cfg.Uplink = up
		}

		var reg *registry.Etcd
		if len(endpoints) > 0 {
			reg, err = registry.Open(ctx, registry.Config{Endpoints: endpoints, Swarm: swarmName, Logger: log})
			if err != nil {
				return err
			}
			defer reg.Close()
			cfg.Publisher = reg
		}

		st, err := ground.New(cfg)
		if err != nil {
			return err
		}
		serveMetrics(cmd, cfg.Metrics, log)

		fmt.Printf("\n  Swarm    : %s on channel %d, pipe %s\n", swarmName, swarm.Number, swarm.RX)
		if uplink {
			fmt.Printf("  Uplink   : channel %d, pipe %s\n", gnd.Number, gnd.RX)
		}
		fmt.Printf("  Session  : %s\n", st.Session())
		fmt.Printf("  Data     : %s\n", dataDir)
		fmt.Printf("\n  Console:\n")
		fmt.Printf("    cmd <id> <text>   queue a command for the next uplink slot\n")
		fmt.Printf("    status            show members and leader\n\n")

		go console(ctx, st, reg)

		if err := st.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		fmt.Println("\nGround station stopped.")
		return nil
	},
}

func console(ctx context.Context, st *ground.Station, reg *registry.Etcd) {
	fmt.Print("> ")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		switch parts[0] {
		case "cmd":
			if len(parts) < 3 {
				fmt.Println("usage: cmd <id> <text>")
				break
			}
			id, err := strconv.ParseUint(parts[1], 10, 8)
			if err != nil {
				fmt.Printf("bad id %q\n", parts[1])
				break
			}
			if len(parts[2]) > protocol.MaxCommandLen {
				fmt.Printf("note: truncated to %d bytes\n", protocol.MaxCommandLen)
			}
			if err := st.Queue(protocol.ID(id), parts[2]); err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Println("✓ queued")
			}
		case "status":
			fmt.Printf("leader: %d\n", st.Leader())
			printMembers(st.Members())
			if reg != nil {
				printRegistry(ctx, reg)
			}
		default:
			fmt.Printf("unknown command: %s\n", parts[0])
		}
		fmt.Print("> ")
	}
}

func printMembers(members []registry.NodeInfo) {
	for _, m := range members {
		fmt.Printf("  %3d  %-16s temp %d  joined %s\n", m.ID, m.Name, m.TempID, m.Joined.Format(time.TimeOnly))
	}
}

// printRegistry shows what etcd holds, which is what other operators see.
func printRegistry(ctx context.Context, reg *registry.Etcd) {
	leader, ok, err := reg.Leader(ctx)
	if err != nil {
		fmt.Printf("etcd: %v\n", err)
		return
	}
	if ok {
		fmt.Printf("etcd leader: %d\n", leader)
	} else {
		fmt.Println("etcd leader: none")
	}
	nodes, err := reg.Nodes(ctx)
	if err != nil {
		fmt.Printf("etcd: %v\n", err)
		return
	}
	printMembers(nodes)
}

// ─── sim ─────────────────────────────────────────────────────────────────────

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run a ground station and several drones in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(cmd)
		if err != nil {
			return err
		}
		defer log.Sync()

		count, _ := cmd.Flags().GetInt("drones")
		loss, _ := cmd.Flags().GetFloat64("loss")
		duration, _ := cmd.Flags().GetDuration("duration")
		if count < 1 || count > 200 {
			return fmt.Errorf("drones must be in 1..200, got %d", count)
		}

		ether := transport.NewEther()
		ether.SetLoss(loss)
		m := metrics.New()

		roster := make([]protocol.ID, count)
		for i := range roster {
			roster[i] = protocol.ID(i + 1)
		}

		ctx, stop := signalContext()
		defer stop()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}

		st, err := ground.New(ground.Config{
			Radio:     ether.NewRadio(),
			Uplink:    ether.NewRadio(),
			SwarmName: "sim",
			Pool:      roster,
			Metrics:   m,
			Logger:    log,
		})
		if err != nil {
			return err
		}
		serveMetrics(cmd, m, log)

		done := make(chan struct{}, count+1)
		go func() {
			st.Run(ctx)
			done <- struct{}{}
		}()

		drones := make([]*node.Node, count)
		for i := range drones {
			n, err := node.New(node.Config{
				Radio:       ether.NewRadio(),
				Sensor:      sensor.NewRandom(uint64(i + 1)),
				TempID:      protocol.ID(100 + i),
				Roster:      roster,
				DualContext: true,
				Logger:      log,
				Metrics:     m,
			})
			if err != nil {
				return err
			}
			drones[i] = n
			go func() {
				n.Run(ctx)
				done <- struct{}{}
			}()
		}

		fmt.Printf("Simulating %d drones (loss %.0f%%). Ctrl-C to stop.\n", count, loss*100)
		for i := 0; i < count+1; i++ {
			<-done
		}

		fmt.Printf("\n%-10s %-9s %4s %7s %8s\n", "drone", "role", "id", "sends", "quality")
		for _, n := range drones {
			s := n.Status()
			fmt.Printf("%-10s %-9s %4d %7d %7.0f%%\n", fmt.Sprintf("temp-%d", s.TempID), s.Role, s.ID(), s.SendCount, s.LinkQuality())
		}
		fmt.Printf("ground leader: %d\n", st.Leader())

		// Run has returned, so the leaders' follower tables are safe to read.
		for _, n := range drones {
			if n.Status().Role != node.Leader {
				continue
			}
			for id, t := range n.Followers() {
				fmt.Printf("  last from %d: bat %.2f  lq %.0f%%  accel %v\n", id, t.Battery, t.LinkQuality, t.Accel)
			}
		}
		return nil
	},
}

// ─── log ─────────────────────────────────────────────────────────────────────

var logCmd = &cobra.Command{
	Use:   "log [session]",
	Short: "List flight-log sessions, or the telemetry of one session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		source, _ := cmd.Flags().GetUint8("source")
		latest, _ := cmd.Flags().GetBool("latest")

		fl, err := flightlog.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open flight log: %w", err)
		}
		defer fl.Close()

		if len(args) == 0 {
			sessions, err := fl.Sessions()
			if err != nil {
				return err
			}
			fmt.Printf("%d sessions\n", len(sessions))
			for _, s := range sessions {
				fmt.Printf("  %s  %-12s %s\n", s.ID, s.Swarm, s.Started.Format(time.RFC3339))
			}
			return nil
		}

		var records []flightlog.Record
		if latest {
			last, err := fl.Latest(args[0])
			if err != nil {
				return err
			}
			for _, r := range last {
				records = append(records, r)
			}
			slices.SortFunc(records, func(a, b flightlog.Record) int { return int(a.Telemetry.SourceID) - int(b.Telemetry.SourceID) })
		} else if records, err = fl.Records(args[0], protocol.ID(source)); err != nil {
			return err
		}
		for _, r := range records {
			t := r.Telemetry
			fmt.Printf("%6d %s  src %3d  alt %6.1f  bat %4.2f  lq %5.1f  retries %2d\n",
				r.Seq, r.Received.Format(time.TimeOnly), t.SourceID, t.Altitude, t.Battery, t.LinkQuality, t.Retries)
		}
		return nil
	},
}

// ─── pipes ───────────────────────────────────────────────────────────────────

var pipesCmd = &cobra.Command{
	Use:   "pipes",
	Short: "Create a swarm secret, or show the pipe addresses derived from one",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("secret")
		swarm, _ := cmd.Flags().GetString("swarm")
		if path == "" {
			path = filepath.Join(defaultDataDir(), "secret.json")
		}

		secret, err := crypto.LoadSecret(path)
		if errors.Is(err, os.ErrNotExist) {
			if secret, err = crypto.GenerateSecret(swarm); err != nil {
				return err
			}
			if err := secret.Save(path); err != nil {
				return err
			}
			fmt.Printf("✓ Secret generated for swarm %q\n", swarm)
		} else if err != nil {
			return err
		}

		pipes, err := crypto.DerivePipes(secret)
		if err != nil {
			return err
		}
		fmt.Printf("  Swarm  : %s\n", secret.Swarm)
		fmt.Printf("  Secret : %s\n", path)
		fmt.Printf("  Pipes  : swarm %s, ground %s\n\n", pipes.Swarm, pipes.Ground)
		fmt.Println("Copy the secret file to every drone and pass it with --secret.")
		return nil
	},
}

func init() {
	dd := defaultDataDir()

	rootCmd.PersistentFlags().Bool("debug", false, "Development logging")
	rootCmd.PersistentFlags().String("metrics", "", "Serve Prometheus metrics on this address")

	for _, cmd := range []*cobra.Command{droneCmd, groundCmd} {
		cmd.Flags().Uint8("swarm-channel", transport.DefaultSwarmChannel().Number, "Swarm radio channel")
		cmd.Flags().Uint8("ground-channel", transport.DefaultGroundChannel().Number, "Ground radio channel")
		cmd.Flags().String("rate", "1mbps", "Data rate (250kbps, 1mbps, 2mbps)")
		cmd.Flags().String("secret", "", "Swarm secret file; pipe addresses are derived from it")
		cmd.Flags().String("group", transport.DefaultGroup, "UDP multicast group emulating the radio")
		cmd.Flags().String("iface", "", "Multicast interface")
	}
	for _, cmd := range []*cobra.Command{groundCmd, logCmd} {
		cmd.Flags().String("data", dd, "Data directory (~/.rf24drone)")
	}

	droneCmd.Flags().String("name", "", "Drone name (default drone-<temp id>)")
	droneCmd.Flags().Uint8("temp-id", 0, "Temporary id for joining (0 = random)")
	droneCmd.Flags().Bool("dual", false, "As leader, also grant the ground station an uplink slot")
	droneCmd.Flags().String("sensor", "random", "Motion sensor: "+strings.Join(sensor.Kinds, ", "))
	droneCmd.Flags().UintSlice("roster", []uint{1, 2, 3}, "Swarm member ids")

	groundCmd.Flags().String("swarm", "default", "Swarm name")
	groundCmd.Flags().UintSlice("pool", []uint{1, 2, 3}, "Assignable drone ids")
	groundCmd.Flags().Bool("uplink", false, "Listen on the ground channel for leader uplink slots")
	groundCmd.Flags().StringSlice("etcd", nil, "etcd endpoints to publish the swarm roster to")

	simCmd.Flags().Int("drones", 3, "Number of simulated drones")
	simCmd.Flags().Float64("loss", 0, "Per-frame loss probability")
	simCmd.Flags().Duration("duration", 0, "Stop after this long (0 = until interrupted)")

	logCmd.Flags().Uint8("source", 0, "Only records from this drone id")
	logCmd.Flags().Bool("latest", false, "Only the most recent record per drone")

	pipesCmd.Flags().String("secret", "", "Secret file (default ~/.rf24drone/secret.json)")
	pipesCmd.Flags().String("swarm", "default", "Swarm name for a new secret")

	rootCmd.AddCommand(droneCmd, groundCmd, simCmd, logCmd, pipesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
