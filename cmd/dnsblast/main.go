// Command dnsblast is the CLI front-end for the load-generator core: it
// parses flags, resolves source/target endpoints, wires the payload
// store into a worker pool via the controller, and reports results to
// stderr and an optional CSV file.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dnsblast/internal/controller"
	"dnsblast/internal/csvsink"
	"dnsblast/internal/dnscache"
	"dnsblast/internal/metrics"
	"dnsblast/internal/payload"
	"dnsblast/internal/rawrx"
	"dnsblast/internal/rawtx"
	"dnsblast/internal/sender"
	"dnsblast/internal/system"
)

// resolver memoizes hostname lookups for the lifetime of the process,
// so a target or source hostname given with -z/-q is only re-resolved
// after its cache entry expires.
var resolver = dnscache.New(30 * time.Second)

func main() {
	os.Exit(run(os.Args))
}

func run(argv []string) int {
	fs := flag.NewFlagSet(argv[0], flag.ContinueOnError)
	sourceHost := fs.String("q", "", "source IPv4 or resolvable hostname (no spoofing)")
	sourceSpoof := fs.String("s", "", `spoof mode: IPv4 CIDR, or "pcap" to use per-packet source from the payload pcap`)
	ifaceName := fs.String("e", "", "interface name for the raw receive path (BPF on BSD, SO_BINDTODEVICE on Linux; pcap:<device> selects the portable capture fallback)")
	target := fs.String("z", "", "target IPv4 or hostname, port (default 53)")
	payloadPath := fs.String("p", "", "path to text or pcap payload file")
	runtimeSecs := fs.Int("l", 10, "runtime per rate-step, in seconds")
	timeoutSecs := fs.Int("t", 2, "drain timeout, in seconds")
	workerCount := fs.Int("n", 1, "worker count")
	rateSpec := fs.String("r", "", `rate spec: single integer, comma-separated list, or "start-end,step"; 0/absent means unlimited`)
	dnssecPercent := fs.Int("d", 0, "DNSSEC OPT-augmentation percentage (0-100)")
	csvPath := fs.String("c", "", "CSV output path")
	ignoreResponses := fs.Bool("ignore", false, "skip the receiver entirely (traffic-generation-only mode)")
	logLevel := fs.String("log-level", "info", "log level: debug/info/warn/error")
	metricsAddr := fs.String("metrics-addr", "", "optional host:port to expose Prometheus metrics on /metrics")

	if len(argv) < 2 || hasHelpFlag(argv) {
		fs.Usage()
		return 0
	}
	if err := fs.Parse(argv[1:]); err != nil {
		return 1
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	switch strings.ToLower(*logLevel) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := parseConfig(configArgs{
		sourceHost:      *sourceHost,
		sourceSpoof:     *sourceSpoof,
		ifaceName:       *ifaceName,
		target:          *target,
		payloadPath:     *payloadPath,
		runtimeSecs:     *runtimeSecs,
		timeoutSecs:     *timeoutSecs,
		workerCount:     *workerCount,
		rateSpec:        *rateSpec,
		dnssecPercent:   *dnssecPercent,
		csvPath:         *csvPath,
		ignoreResponses: *ignoreResponses,
	})
	if err != nil {
		log.Error().Err(err).Msg("configuration error")
		fs.Usage()
		return 1
	}

	store, err := payload.Load(cfg.payloadPath)
	if err != nil {
		log.Error().Err(err).Msg("payload error")
		return 1
	}
	log.Info().Int("queries", store.Len()).Bool("pcap", store.IsPcap()).Msg("payload loaded")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *metricsAddr != "" {
		_, reg := metrics.NewGauges()
		go func() {
			if err := metrics.Serve(ctx, *metricsAddr, reg); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	var results controller.ResultSink
	if cfg.csvPath != "" {
		results = controller.CSVResultSink{Sink: csvsink.Open(cfg.csvPath)}
	}

	ctrl := controller.New(controller.Config{
		Destination:     cfg.targetIP,
		DestPort:        cfg.targetPort,
		Store:           store,
		WorkerCount:     cfg.workerCount,
		Runtime:         time.Duration(cfg.runtime) * time.Second,
		Timeout:         time.Duration(cfg.timeout) * time.Second,
		Rates:           cfg.rates,
		DNSSECRate:      cfg.dnssecPercent,
		Source:          cfg.source,
		IgnoreResponses: cfg.ignoreResponses,
		NewSocket:       newRawSocket,
		NewReceiver:     func() (rawrx.Receiver, error) { return newReceiver(cfg.ifaceName) },
		Sampler:         system.NewGopsutilSampler(),
		Results:         results,
		Log:             log.Logger,
	})

	if err := ctrl.Run(ctx); err != nil {
		log.Error().Err(err).Msg("runtime error")
		return 1
	}
	return 0
}

func hasHelpFlag(argv []string) bool {
	for _, a := range argv[1:] {
		if a == "-h" || a == "--help" {
			return true
		}
	}
	return false
}

func newRawSocket() (controller.TxSocket, error) {
	return rawtx.Open()
}

func newReceiver(iface string) (rawrx.Receiver, error) {
	if strings.HasPrefix(iface, "pcap:") {
		return rawrx.NewPcapReceiver(strings.TrimPrefix(iface, "pcap:"))
	}
	rx, err := rawrx.NewReceiver()
	if err != nil {
		return nil, err
	}
	if iface != "" {
		if err := rx.BindInterface(iface); err != nil {
			return nil, fmt.Errorf("bind interface %q: %w", iface, err)
		}
	}
	return rx, nil
}

type configArgs struct {
	sourceHost      string
	sourceSpoof     string
	ifaceName       string
	target          string
	payloadPath     string
	runtimeSecs     int
	timeoutSecs     int
	workerCount     int
	rateSpec        string
	dnssecPercent   int
	csvPath         string
	ignoreResponses bool
}

type resolvedConfig struct {
	targetIP        net.IP
	targetPort      uint16
	source          sender.SourceMode
	payloadPath     string
	runtime         int
	timeout         int
	workerCount     int
	rates           []uint64
	dnssecPercent   int
	csvPath         string
	ignoreResponses bool
	ifaceName       string
}

func parseConfig(a configArgs) (resolvedConfig, error) {
	var rc resolvedConfig
	if a.sourceHost != "" && a.sourceSpoof != "" {
		return rc, fmt.Errorf("could not use -q and -s together")
	}
	if a.sourceHost == "" && a.sourceSpoof == "" {
		return rc, fmt.Errorf("source IP/hostname or network for source address spoofing missing (-q or -s)")
	}
	if a.target == "" {
		return rc, fmt.Errorf("target IP/hostname or port missing (-z host:port)")
	}
	if a.payloadPath == "" {
		return rc, fmt.Errorf("payload file missing (-p file)")
	}
	if a.dnssecPercent < 0 || a.dnssecPercent > 100 {
		return rc, fmt.Errorf("DNSSEC rate must be between 0 and 100 (-d)")
	}

	ip, port, err := resolveHostPort(a.target, 53)
	if err != nil {
		return rc, fmt.Errorf("-z %s: %w", a.target, err)
	}
	rc.targetIP, rc.targetPort = ip, port

	if a.sourceSpoof != "" {
		if strings.EqualFold(a.sourceSpoof, "pcap") {
			rc.source = sender.SourceFromPcap{}
		} else {
			start, count, err := parseCIDR(a.sourceSpoof)
			if err != nil {
				return rc, fmt.Errorf("-s %s: %w", a.sourceSpoof, err)
			}
			rc.source = sender.SourceRandomNet{StartHostOrder: start, HostCount: count}
		}
	} else {
		ips, err := resolver.LookupIP(a.sourceHost)
		if err != nil || len(ips) == 0 {
			return rc, fmt.Errorf("-q %s: could not resolve hostname", a.sourceHost)
		}
		v4 := firstV4(ips)
		if v4 == nil {
			return rc, fmt.Errorf("-q %s: only IPv4 is supported", a.sourceHost)
		}
		rc.source = sender.SourceFixed{IP: v4, Port: 0x4567}
	}

	rc.payloadPath = a.payloadPath
	rc.runtime = a.runtimeSecs
	if rc.runtime == 0 {
		rc.runtime = 10
	}
	rc.timeout = a.timeoutSecs
	if rc.timeout == 0 {
		rc.timeout = 2
	}
	rc.workerCount = a.workerCount
	if rc.workerCount == 0 {
		rc.workerCount = 1
	}
	rc.dnssecPercent = a.dnssecPercent
	rc.csvPath = a.csvPath
	rc.ignoreResponses = a.ignoreResponses
	rc.ifaceName = a.ifaceName

	rates, err := controller.ParseRateSpec(a.rateSpec)
	if err != nil {
		return rc, err
	}
	rc.rates = rates
	return rc, nil
}

func resolveHostPort(hostport string, defaultPort uint16) (net.IP, uint16, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	port := defaultPort
	if err != nil {
		host = hostport
	} else {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil || p < 1 || p > 65535 {
			return nil, 0, fmt.Errorf("invalid port")
		}
		port = uint16(p)
	}
	ips, err := resolver.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, 0, fmt.Errorf("could not resolve host %q", host)
	}
	v4 := firstV4(ips)
	if v4 == nil {
		return nil, 0, fmt.Errorf("only IPv4 is supported")
	}
	return v4, port, nil
}

func firstV4(ips []net.IP) net.IP {
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

func parseCIDR(cidr string) (startHostOrder, hostCount uint32, err error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0, 0, err
	}
	v4 := ipnet.IP.To4()
	if v4 == nil {
		return 0, 0, fmt.Errorf("only IPv4 networks are supported")
	}
	ones, bits := ipnet.Mask.Size()
	start := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
	count := uint32(1) << uint(bits-ones)
	return start, count, nil
}

