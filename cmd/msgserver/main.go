package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atsika/pronet"
)

// userRecord is one row of the config file's user table, the on-disk shape
// of a pronet.CredentialRecord plus the identity it's keyed by.
type userRecord struct {
	ClassID      uint8  `mapstructure:"class_id"`
	UserID       uint64 `mapstructure:"user_id"`
	Secret       string `mapstructure:"secret"`
	MaxInstances int    `mapstructure:"max_instances"`
	IPBinding    string `mapstructure:"ip_binding"`
	IsC2S        bool   `mapstructure:"is_c2s"`
}

// fileCredentialStore is a viper-config-backed pronet.CredentialStore,
// reloadable on SIGHUP without restarting the server.
type fileCredentialStore struct {
	mu    sync.RWMutex
	byKey map[pronet.MsgUser]pronet.CredentialRecord
}

func newFileCredentialStore() *fileCredentialStore {
	return &fileCredentialStore{byKey: make(map[pronet.MsgUser]pronet.CredentialRecord)}
}

func (s *fileCredentialStore) Lookup(claimed pronet.MsgUser) (pronet.CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byKey[pronet.NewMsgUser(claimed.ClassID, claimed.UserID, 0)]
	if !ok {
		return pronet.CredentialRecord{}, pronet.ErrUserNotFound
	}
	return rec, nil
}

func (s *fileCredentialStore) reload(users []userRecord) {
	byKey := make(map[pronet.MsgUser]pronet.CredentialRecord, len(users))
	for _, u := range users {
		key := pronet.NewMsgUser(u.ClassID, u.UserID, 0)
		byKey[key] = pronet.CredentialRecord{
			Secret:       []byte(u.Secret),
			MaxInstances: u.MaxInstances,
			IPBinding:    u.IPBinding,
			IsC2SNode:    u.IsC2S,
		}
	}
	s.mu.Lock()
	s.byKey = byKey
	s.mu.Unlock()
}

func main() {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "msgserver",
		Short: "Root message server for the pronet messaging fabric",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "msgserver.yaml", "path to the server config file")
	root.PersistentFlags().String("listen", ":7890", "address the server accepts client connections on")
	root.PersistentFlags().String("metrics-listen", ":9090", "address Prometheus /metrics is exposed on (empty disables it)")
	root.PersistentFlags().Duration("heartbeat-interval", pronet.DefaultHeartbeatInterval, "nominal per-link heartbeat interval")
	root.PersistentFlags().Duration("handshake-timeout", pronet.DefaultHandshakeTimeout, "max time a login handshake may take")
	root.PersistentFlags().Int("send-redline", pronet.DefaultSendRedline, "per-link outbound queue ceiling in bytes")
	root.PersistentFlags().Int("recv-redline", pronet.DefaultRecvRedline, "per-link inbound buffering ceiling in bytes")
	root.PersistentFlags().String("tls-cert", "", "TLS certificate file (empty disables TLS)")
	root.PersistentFlags().String("tls-key", "", "TLS private key file")
	root.PersistentFlags().Bool("realtime-priority", false, "request real-time scheduling priority for the worker pool")
	_ = v.BindPFlags(root.PersistentFlags())

	cobra.OnInitialize(func() {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				fmt.Fprintf(os.Stderr, "msgserver: config: %v\n", err)
			}
		}
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(v *viper.Viper) error {
	creds := newFileCredentialStore()
	reloadCreds := func() {
		var users []userRecord
		_ = v.UnmarshalKey("users", &users)
		creds.reload(users)
	}
	reloadCreds()

	metrics := pronet.NewPrometheusMetrics("msgserver")
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics)

	opts := []pronet.Option{
		pronet.WithMetrics(metrics),
		pronet.WithLogger(pronet.DefaultSLogger()),
		pronet.WithHeartbeatInterval(v.GetDuration("heartbeat-interval")),
		pronet.WithHandshakeTimeout(v.GetDuration("handshake-timeout")),
		pronet.WithSendRedline(v.GetInt("send-redline")),
		pronet.WithRecvRedline(v.GetInt("recv-redline")),
		pronet.WithRealtimePriority(v.GetBool("realtime-priority")),
	}
	var tlsCfg *tls.Config
	if certFile := v.GetString("tls-cert"); certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, v.GetString("tls-key"))
		if err != nil {
			return fmt.Errorf("load tls cert: %w", err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
		opts = append(opts, pronet.WithSecureChannel(&pronet.TLSChannel{
			Config: tlsCfg,
		}))
	}

	srv := pronet.NewMsgServer(creds, opts...)

	l, err := net.Listen("tcp", v.GetString("listen"))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if tlsCfg != nil {
		l = tls.NewListener(l, tlsCfg)
	}
	defer l.Close()
	srv.Serve(l)
	fmt.Printf("msgserver: listening on %s\n", v.GetString("listen"))

	if addr := v.GetString("metrics-listen"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "msgserver: metrics server: %v\n", err)
			}
		}()
		fmt.Printf("msgserver: metrics on %s/metrics\n", addr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for s := range sig {
		switch s {
		case syscall.SIGHUP:
			if err := v.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "msgserver: reload: %v\n", err)
				continue
			}
			reloadCreds()
			srv.Reactor.UpdateHeartbeatInterval(v.GetDuration("heartbeat-interval"))
			fmt.Println("msgserver: config reloaded")
		default:
			fmt.Println("msgserver: shutting down")
			return srv.Stop()
		}
	}
	return nil
}
