// postilion is an SMTP ingress core: it accepts mail over RFC 5321,
// hands policy decisions to a small set of hooks, and durably queues
// accepted mail for delivery.
//
// See SPEC_FULL.md in the repository root for the full design.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/spf"
	"blitiri.com.ar/go/systemd"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ivarela/postilion/internal/admin"
	"github.com/ivarela/postilion/internal/config"
	"github.com/ivarela/postilion/internal/courier"
	"github.com/ivarela/postilion/internal/disposition"
	"github.com/ivarela/postilion/internal/envelope"
	"github.com/ivarela/postilion/internal/hooks"
	"github.com/ivarela/postilion/internal/queue"
	"github.com/ivarela/postilion/internal/rfc5321"
	"github.com/ivarela/postilion/internal/smtpsrv"
	"github.com/ivarela/postilion/internal/spool"
	"github.com/ivarela/postilion/internal/spool/boltkv"
	"github.com/ivarela/postilion/internal/spool/localdisk"
	"github.com/ivarela/postilion/internal/sts"
)

// Command-line flags.
var (
	configDir = flag.String("config_dir", "/etc/postilion",
		"configuration directory")
	showVer = flag.Bool("version", false, "show version and exit")
)

// Build information, overridden at build time using
// -ldflags="-X main.version=blah".
var version = "undefined"

func main() {
	flag.Parse()
	log.Init()

	if *showVer {
		fmt.Printf("postilion %s\n", version)
		return
	}

	log.Infof("postilion starting (version %s)", version)

	conf, err := config.Load(filepath.Join(*configDir, "postilion.yaml"))
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	if err := os.Chdir(*configDir); err != nil {
		log.Fatalf("Error changing to config dir %q: %v", *configDir, err)
	}

	disp := initDisposition(conf.MailLogPath)

	sm, err := openSpool(conf)
	if err != nil {
		log.Fatalf("Error opening spool: %v", err)
	}

	localDomains := loadLocalDomains(conf.DataDir + "/domains")

	stsCache, err := sts.NewCache(conf.DataDir + "/sts-cache")
	if err != nil {
		log.Fatalf("Failed to initialize STS cache: %v", err)
	}
	go stsCache.PeriodicallyRefresh(context.Background())

	localC := &courier.MDA{
		Binary:  conf.MailDeliveryAgentBin,
		Args:    conf.MailDeliveryAgentArgs,
		Timeout: 30 * time.Second,
	}
	remoteC := &courier.SMTP{
		HelloDomain: conf.Hostname,
		STSCache:    stsCache,
	}
	router := &courier.Router{
		Local:        localC,
		Remote:       remoteC,
		LocalDomains: localDomains,
	}

	hk := buildHooks(conf, localDomains)

	bounces := admin.NewTable()

	mgr, err := queue.NewManager(sm, router, hk, disp, func(name string) queue.QueueConfig {
		cfg := queue.DefaultQueueConfig()
		cfg.GiveUpAfter = conf.GiveUpSendAfterDuration()
		cfg.EgressPool = conf.EgressPool
		cfg.EgressSource = conf.EgressSource
		return cfg
	})
	if err != nil {
		log.Fatalf("Error building queue manager: %v", err)
	}
	mgr.SetBounceChecker(bounces)

	ctx := context.Background()
	mgr.Start(ctx)

	if err := mgr.Recover(ctx); err != nil {
		log.Errorf("Error recovering spool: %v", err)
	}

	go signalHandler(disp)

	s := smtpsrv.NewServer()
	s.Hostname = conf.Hostname
	s.MaxDataSize = conf.MaxDataSizeMb * 1024 * 1024
	s.Hooks = hk
	s.Queue = mgr
	s.Disposition = disp

	log.Infof("Loading certificates")
	if err := loadCerts(s, "certs/"); err != nil {
		log.Fatalf("Error loading certificates: %v", err)
	}

	systemdLs, err := systemd.Listeners()
	if err != nil {
		log.Fatalf("Error getting systemd listeners: %v", err)
	}

	naddr := loadAddresses(s, conf.SmtpAddress, systemdLs["smtp"], smtpsrv.ModeSMTP)
	naddr += loadAddresses(s, conf.SubmissionAddress, systemdLs["submission"], smtpsrv.ModeSubmission)
	naddr += loadAddresses(s, conf.SubmissionOverTlsAddress, systemdLs["submission_tls"], smtpsrv.ModeSubmissionTLS)
	if naddr == 0 {
		log.Fatalf("No address to listen on")
	}

	if conf.MonitoringAddress != "" {
		go launchMonitoringServer(conf.MonitoringAddress, bounces)
	}

	s.ListenAndServe()
}

// buildHooks registers the default hook set described in SPEC_FULL.md
// §6.2: SPF on MAIL FROM, a local-directory existence check on RCPT TO,
// and no-op MessageReceived/SpoolMessageEnumerated. GetQueueName is left
// unregistered, falling back to hooks.Table's own domain-bucketing
// default.
func buildHooks(conf *config.Config, localDomains map[string]bool) *hooks.Table {
	hk := &hooks.Table{}

	hk.RegisterMailFrom(func(ctx context.Context, remoteAddr, ehloDomain string, from rfc5321.ReversePath, params []rfc5321.EsmtpParameter) error {
		v, ok := from.(rfc5321.PathReversePath)
		if !ok {
			// Null sender (bounces): nothing to check SPF against.
			return nil
		}

		sender := v.Path.Mailbox.LocalPart + "@" + v.Path.Mailbox.Domain.String()

		host, _, err := net.SplitHostPort(remoteAddr)
		if err != nil {
			host = remoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return nil
		}

		res, err := spf.CheckHostWithSender(ip, envelope.DomainOf(sender), sender)
		if err != nil {
			log.Infof("spf: error checking %s from %s: %v", sender, ip, err)
			return nil
		}
		if res == spf.Fail {
			return fmt.Errorf("550 5.7.1 SPF check failed for %s", sender)
		}
		return nil
	})

	hk.RegisterRcptTo(func(ctx context.Context, from rfc5321.ReversePath, rcpt rfc5321.ForwardPath, params []rfc5321.EsmtpParameter) error {
		v, ok := rcpt.(rfc5321.PathForwardPath)
		if !ok {
			// Postmaster is always accepted.
			return nil
		}

		domain := v.Path.Mailbox.Domain.String()
		if !localDomains[domain] {
			// Not one of ours: this core only relays mail that a local
			// domain either sends or receives is out of scope, so
			// reject anything destined for a domain we don't host.
			return fmt.Errorf("550 5.7.1 relay access denied")
		}
		return nil
	})

	return hk
}

// openSpool builds a spool.Manager with the "meta" and "data" named
// backends independently constructed from conf.MetaSpoolBackend and
// conf.DataSpoolBackend, mirroring the original per-name
// DefineSpoolParams configuration: either name can be localdisk or
// boltkv regardless of what the other one is.
func openSpool(conf *config.Config) (*spool.Manager, error) {
	sm := spool.NewManager()

	meta, err := openNamedSpool(conf.MetaSpoolBackend, filepath.Join(conf.DataDir, "spool", "meta"))
	if err != nil {
		return nil, fmt.Errorf("opening meta spool: %w", err)
	}
	sm.Register("meta", meta)

	data, err := openNamedSpool(conf.DataSpoolBackend, filepath.Join(conf.DataDir, "spool", "data"))
	if err != nil {
		return nil, fmt.Errorf("opening data spool: %w", err)
	}
	sm.Register("data", data)

	return sm, nil
}

func openNamedSpool(kind, dir string) (spool.Backend, error) {
	switch kind {
	case "", "localdisk":
		return localdisk.New(dir)
	case "boltkv":
		return boltkv.New(dir+".db", true)
	default:
		return nil, fmt.Errorf("unknown spool backend %q", kind)
	}
}

// loadLocalDomains reads one domain name per entry of dir (file or
// directory name, following the teacher's domains/ layout), always
// including localhost so accidental loops never get treated as remote.
func loadLocalDomains(dir string) map[string]bool {
	domains := map[string]bool{"localhost": true}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Infof("No local domains directory at %q (%v)", dir, err)
		return domains
	}

	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		if name == "" {
			continue
		}
		domains[name] = true
		log.Infof("  local domain: %s", name)
	}
	return domains
}

func loadCerts(s *smtpsrv.Server, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Errorf("  no certs/ directory found: %v", err)
		return nil
	}

	for _, e := range entries {
		certDir := filepath.Join(dir, e.Name())
		fi, err := os.Stat(certDir)
		if err != nil || !fi.IsDir() {
			continue
		}

		certPath := filepath.Join(certDir, "fullchain.pem")
		keyPath := filepath.Join(certDir, "privkey.pem")
		if _, err := os.Stat(certPath); os.IsNotExist(err) {
			continue
		}
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			continue
		}

		log.Infof("  %s", e.Name())
		if err := s.AddCerts(certPath, keyPath); err != nil {
			return fmt.Errorf("%s: %v", e.Name(), err)
		}
	}
	return nil
}

func loadAddresses(srv *smtpsrv.Server, addrs []string, ls []net.Listener, mode smtpsrv.SocketMode) int {
	naddr := 0
	for _, addr := range addrs {
		if addr == "systemd" {
			srv.AddListeners(ls, mode)
			naddr += len(ls)
		} else {
			srv.AddAddr(addr, mode)
			naddr++
		}
	}

	if naddr == 0 {
		log.Errorf("Warning: No %v addresses/listeners", mode)
	}
	return naddr
}

func initDisposition(path string) *disposition.Logger {
	var (
		l   *disposition.Logger
		err error
	)

	switch path {
	case "", "<syslog>":
		l, err = disposition.NewSyslog(nil)
	case "<stdout>":
		l = disposition.New(os.Stdout, nil)
	case "<stderr>":
		l = disposition.New(os.Stderr, nil)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		l, err = disposition.NewFile(path, nil)
	}

	if err != nil {
		log.Fatalf("Error opening disposition log: %v", err)
	}
	return l
}

func signalHandler(disp *disposition.Logger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Errorf("Error reopening log: %v", err)
			}
			if err := disp.Reopen(); err != nil {
				log.Errorf("Error reopening disposition log: %v", err)
			}
		default:
			log.Errorf("Unexpected signal %v", sig)
		}
	}
}

// launchMonitoringServer exposes Prometheus metrics and the
// golang.org/x/net/trace debug pages (registered on http.DefaultServeMux
// by internal/trace's import of golang.org/x/net/trace), plus the
// JSON-over-HTTP admin control plane cmd/postilion-util talks to.
func launchMonitoringServer(addr string, bounces *admin.Table) {
	log.Infof("Monitoring HTTP server listening on %s", addr)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/admin/bounce/set", adminSetBounceHandler(bounces))
	http.HandleFunc("/admin/bounce/cancel", adminBounceCancelHandler(bounces))

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("Monitoring server failed: %v", err)
	}
}
