package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atsika/pronet"
)

func main() {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "c2s",
		Short: "Client-to-server relay: terminates local client logins and tunnels them through one upstream trunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "c2s.yaml", "path to the relay config file")
	root.PersistentFlags().String("listen", ":7891", "address downstream clients connect to")
	root.PersistentFlags().String("uplink", "tcp://127.0.0.1:7890", "root message server address")
	root.PersistentFlags().String("uplink-user", "1-2-65535", "this relay's own identity on the uplink (classId-userId-65535)")
	root.PersistentFlags().String("uplink-password", "", "password for the uplink login")
	root.PersistentFlags().String("metrics-listen", ":9091", "address Prometheus /metrics is exposed on (empty disables it)")
	root.PersistentFlags().Duration("redial-interval", pronet.DefaultC2SRedialInterval, "delay between uplink redial attempts")
	root.PersistentFlags().Duration("local-timeout", pronet.DefaultHandshakeTimeout, "max time a downstream login blocks waiting for uplink arbitration")
	_ = v.BindPFlags(root.PersistentFlags())

	cobra.OnInitialize(func() {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				fmt.Fprintf(os.Stderr, "c2s: config: %v\n", err)
			}
		}
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	uplinkUser, err := pronet.ParseMsgUser(v.GetString("uplink-user"))
	if err != nil {
		return fmt.Errorf("uplink-user: %w", err)
	}

	metrics := pronet.NewPrometheusMetrics("c2s")
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics)

	relay, err := pronet.NewC2S(
		v.GetString("uplink"),
		uplinkUser,
		v.GetString("uplink-password"),
		v.GetDuration("local-timeout"),
		pronet.WithMetrics(metrics),
		pronet.WithC2SRedialInterval(v.GetDuration("redial-interval")),
	)
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}

	l, err := net.Listen("tcp", v.GetString("listen"))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer l.Close()
	relay.Serve(l)
	fmt.Printf("c2s: listening on %s, uplink %s as %s\n", v.GetString("listen"), v.GetString("uplink"), uplinkUser)

	if addr := v.GetString("metrics-listen"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "c2s: metrics server: %v\n", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for s := range sig {
		switch s {
		case syscall.SIGHUP:
			if err := v.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "c2s: reload: %v\n", err)
				continue
			}
			fmt.Println("c2s: config file re-read (the running relay keeps its settings)")
		default:
			fmt.Println("c2s: shutting down")
			return relay.Stop()
		}
	}
	return nil
}
