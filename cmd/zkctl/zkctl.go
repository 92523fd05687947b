// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/etcd-io/zkmirror"
	"github.com/etcd-io/zkmirror/xchk"
	"github.com/etcd-io/zkmirror/zk"
	"github.com/etcd-io/zkmirror/zketcd"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "zkctl",
		Short: "A command line client for ZooKeeper-style namespaces, served through a local mirror.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// glog reads its flags from the standard flag set
			flag.CommandLine.Parse(nil)
		},
		SilenceUsage: true,
	}

	zkctlEndpoints       []string
	zkctlBackend         string
	zkctlOracle          string
	zkctlOracleEndpoints []string
	zkctlTimeoutSeconds  int
	zkctlRetries         int

	zkctlCreateRecursive bool
	zkctlCreateEphemeral bool
	zkctlCreateSequence  bool

	zkctlVersion   int32
	zkctlRecursive bool
	zkctlWatchMax  int

	zkctlVerifyRecursive bool
)

func init() {
	cobra.EnablePrefixMatching = true
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringSliceVar(&zkctlEndpoints, "endpoints", []string{"127.0.0.1:2181"}, "Service endpoints")
	rootCmd.PersistentFlags().StringVar(&zkctlBackend, "backend", "zk", "Service type: zk or etcd")
	rootCmd.PersistentFlags().StringVar(&zkctlOracle, "oracle", "", "Cross-check every request against an oracle service of this type (zk or etcd)")
	rootCmd.PersistentFlags().StringSliceVar(&zkctlOracleEndpoints, "oracle-endpoints", nil, "Oracle service endpoints")
	rootCmd.PersistentFlags().IntVar(&zkctlTimeoutSeconds, "timeout", 5, "Per-request and session timeout in seconds")
	rootCmd.PersistentFlags().IntVar(&zkctlRetries, "retries", 3, "Retries for requests failing with a transient error")

	createCmd := &cobra.Command{
		Use:   "create <path> [data]",
		Short: "creates a node",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  createCommandFunc,
	}
	createCmd.Flags().BoolVar(&zkctlCreateRecursive, "recursive", false, "Create missing ancestors")
	createCmd.Flags().BoolVar(&zkctlCreateEphemeral, "ephemeral", false, "Create an ephemeral node")
	createCmd.Flags().BoolVar(&zkctlCreateSequence, "sequential", false, "Create a sequential node")

	setCmd := &cobra.Command{
		Use:   "set <path> <data>",
		Short: "sets the data of a node",
		Args:  cobra.ExactArgs(2),
		RunE:  setCommandFunc,
	}
	setCmd.Flags().Int32Var(&zkctlVersion, "version", int32(zkmirror.AnyVersion), "Expected version (-1 for any)")

	rmCmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "removes a node",
		Args:  cobra.ExactArgs(1),
		RunE:  rmCommandFunc,
	}
	rmCmd.Flags().Int32Var(&zkctlVersion, "version", int32(zkmirror.AnyVersion), "Expected version (-1 for any)")
	rmCmd.Flags().BoolVar(&zkctlRecursive, "recursive", false, "Remove the whole subtree")

	watchCmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "prints changes to a node until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE:  watchCommandFunc,
	}
	watchCmd.Flags().IntVar(&zkctlWatchMax, "count", 0, "Exit after this many changes (0 is no limit)")

	verifyCmd := &cobra.Command{
		Use:   "verify [path]",
		Short: "mirrors a subtree and checks it against a fresh read of the service",
		Args:  cobra.MaximumNArgs(1),
		RunE:  verifyCommandFunc,
	}
	verifyCmd.Flags().BoolVar(&zkctlVerifyRecursive, "recursive", true, "Check the whole subtree")

	rootCmd.AddCommand(
		createCmd,
		setCmd,
		rmCmd,
		watchCmd,
		verifyCmd,
		&cobra.Command{
			Use:   "get <path>",
			Short: "gets the data of a node",
			Args:  cobra.ExactArgs(1),
			RunE:  getCommandFunc,
		},
		&cobra.Command{
			Use:   "ls [path]",
			Short: "lists the children of a node",
			Args:  cobra.MaximumNArgs(1),
			RunE:  lsCommandFunc,
		},
	)
}

func timeout() time.Duration { return time.Duration(zkctlTimeoutSeconds) * time.Second }

func newRemote(backend string, endpoints []string, to time.Duration) (zkmirror.Remote, error) {
	switch backend {
	case "zk":
		return zk.NewRemote(endpoints, to), nil
	case "etcd":
		return zketcd.NewRemote(endpoints, to, to)
	}
	return nil, fmt.Errorf("backend expected etcd or zk, got %q", backend)
}

// mustRemote builds the configured Remote, wrapped in a cross-checker when
// an oracle is given.
func mustRemote() zkmirror.Remote {
	r, err := newRemote(zkctlBackend, zkctlEndpoints, timeout())
	if err != nil {
		fatal(err)
	}
	if glog.V(7) {
		r = zkmirror.NewRemoteLog(r)
	}
	if zkctlOracle == "" {
		return r
	}
	o, err := newRemote(zkctlOracle, zkctlOracleEndpoints, timeout())
	if err != nil {
		fatal(err)
	}
	errc := make(chan error, 16)
	go func() {
		for err := range errc {
			fmt.Fprintln(os.Stderr, err)
		}
	}()
	return xchk.NewRemote(r, o, errc)
}

func mustMirror(ctx context.Context) *zkmirror.Mirror {
	cfg := zkmirror.DefaultConfig()
	cfg.RequestTimeout = timeout()
	cfg.MaxRetries = zkctlRetries
	m := zkmirror.New(mustRemote(), cfg)
	if err := m.Connect(ctx); err != nil {
		m.Close()
		fatal(err)
	}
	return m
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "%v (%v)\n", err, zkmirror.KindOf(err))
	glog.Flush()
	os.Exit(1)
}

func pathArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return zkmirror.RootPath
}

func main() {
	rootCmd.SetHelpTemplate(`{{.UsageString}}`)
	err := rootCmd.Execute()
	glog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v (%v)\n", err, zkmirror.KindOf(err))
		os.Exit(1)
	}
}

func createCommandFunc(cmd *cobra.Command, args []string) error {
	var flags int32
	if zkctlCreateEphemeral {
		flags |= zkmirror.FlagEphemeral
	}
	if zkctlCreateSequence {
		flags |= zkmirror.FlagSequence
	}
	var data []byte
	if len(args) > 1 {
		data = []byte(args[1])
	}
	m := mustMirror(cmd.Context())
	defer m.Close()
	res, err := m.Submit(zkmirror.Operation{
		Type:      zkmirror.OpCreate,
		Path:      args[0],
		Data:      data,
		Flags:     flags,
		Recursive: zkctlCreateRecursive,
	}).Wait(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Println(res.Path)
	return nil
}

func setCommandFunc(cmd *cobra.Command, args []string) error {
	m := mustMirror(cmd.Context())
	defer m.Close()
	st, err := m.SetData(cmd.Context(), args[0], []byte(args[1]), zkmirror.Ver(zkctlVersion))
	if err != nil {
		return err
	}
	fmt.Printf("Stat:\n%+v\n", st)
	return nil
}

func rmCommandFunc(cmd *cobra.Command, args []string) error {
	m := mustMirror(cmd.Context())
	defer m.Close()
	return m.Delete(cmd.Context(), args[0], zkmirror.Ver(zkctlVersion), zkctlRecursive)
}

func getCommandFunc(cmd *cobra.Command, args []string) error {
	m := mustMirror(cmd.Context())
	defer m.Close()
	snap, err := m.Read(cmd.Context(), args[0], false)
	if err != nil {
		return err
	}
	fmt.Println(string(snap.Data))
	fmt.Printf("Stat:\n%+v\n", snap.Stat)
	return nil
}

func lsCommandFunc(cmd *cobra.Command, args []string) error {
	dir := pathArg(args)
	m := mustMirror(cmd.Context())
	defer m.Close()
	snap, err := m.Read(cmd.Context(), dir, false)
	if err != nil {
		return err
	}
	fmt.Println("Children:")
	for _, c := range snap.Children {
		fmt.Printf("%s (%s)\n", zkmirror.Join(dir, c), c)
	}
	fmt.Printf("Stat: %+v\n", snap.Stat)
	return nil
}

func watchCommandFunc(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()
	dir := pathArg(args)
	m := mustMirror(ctx)
	defer m.Close()

	evc := make(chan zkmirror.ChangeEvent, 16)
	defer m.Subscribe(func(ev zkmirror.ChangeEvent) {
		select {
		case evc <- ev:
		case <-ctx.Done():
		}
	})()
	snap, err := m.Read(ctx, dir, true)
	if err != nil && !errors.Is(err, zkmirror.ErrNoNode) {
		return err
	}
	fmt.Println("watch", dir)
	if snap != nil {
		fmt.Printf("%q %v\n", snap.Data, snap.Children)
	}
	for n := 0; zkctlWatchMax == 0 || n < zkctlWatchMax; {
		select {
		case ev := <-evc:
			if ev.Type != zkmirror.ChangeSession && ev.Path != dir {
				continue
			}
			n++
			switch {
			case ev.Current != nil:
				fmt.Printf("%v %q %v\n", ev, ev.Current.Data, ev.Current.Children)
			case ev.Err != nil:
				fmt.Printf("%v (%v)\n", ev, ev.Err)
			default:
				fmt.Println(ev)
			}
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func verifyCommandFunc(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dir := pathArg(args)
	m := mustMirror(ctx)
	defer m.Close()

	n, err := mirrorTree(ctx, m, dir, zkctlVerifyRecursive)
	if err != nil {
		return err
	}
	m.Sync()

	fresh, err := newRemote(zkctlBackend, zkctlEndpoints, timeout())
	if err != nil {
		return err
	}
	defer fresh.Close()
	if _, err := fresh.Connect(ctx); err != nil {
		return err
	}
	if err := xchk.CheckTree(ctx, m.Cache(), fresh); err != nil {
		return err
	}
	fmt.Printf("%d node(s) consistent\n", n)
	return nil
}

// mirrorTree reads dir, and its subtree when recursive is set, into m's
// cache with watches armed. Nodes deleted during the walk are skipped.
func mirrorTree(ctx context.Context, m *zkmirror.Mirror, dir string, recursive bool) (int, error) {
	snap, err := m.Read(ctx, dir, true)
	if errors.Is(err, zkmirror.ErrNoNode) && dir != zkmirror.RootPath {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 1
	if !recursive {
		return n, nil
	}
	for _, c := range snap.Children {
		cn, err := mirrorTree(ctx, m, zkmirror.Join(dir, c), true)
		if err != nil {
			return n, err
		}
		n += cn
	}
	return n, nil
}
