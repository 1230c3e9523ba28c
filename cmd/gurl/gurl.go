//go:build linux

package main

import (
	"flag"
	"io"
	"log"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/soypat/seqs/httpx"

	"github.com/soypat/isoeth/examples/common"
)

const connTimeout = 5 * time.Second

const ourHost = "gurl"
const dnsTimeout = 4 * time.Second

func main() {
	var (
		flagSPIDev   string
		serverPort   uint16
		flagLogLevel int
		flagStaticIP string
	)
	flag.StringVar(&flagSPIDev, "spi", "/dev/spidev0.0", "spidev device the controller is attached to")
	flag.StringVar(&flagStaticIP, "ip", "", "Static IP address. DHCP is used if empty.")
	flag.IntVar(&flagLogLevel, "l", int(slog.LevelInfo), "Log level")
	flag.Parse()
	if flag.NArg() > 1 {
		log.Fatal("too many arguments")
	}

	// Parse URL and validate it.
	argURL := flag.Arg(0)
	if argURL == "" {
		log.Fatal("URL is required")
	}
	URL, err := url.Parse(argURL)
	if err != nil {
		log.Fatal(err)
	}
	svHostname := URL.Host
	if newhost, sport, ok := strings.Cut(svHostname, ":"); ok {
		svHostname = newhost
		p, err := strconv.Atoi(sport)
		if err != nil || p < 1 || p > 65535 {
			log.Fatal("invalid port w/ parse err:", err)
		}
		serverPort = uint16(p)
	}
	if serverPort == 0 {
		serverPort = 80 // Sensible default if not present.
	}

	// Create structured logger.
	fp, _ := os.Create("gurl.log")
	logger := slog.New(slog.NewTextHandler(io.MultiWriter(fp, os.Stdout), &slog.HandlerOptions{
		Level: slog.Level(flagLogLevel),
	}))

	logger.Info("url", slog.String("url", URL.String()), slog.String("uri", URL.RequestURI()), slog.String("host", svHostname), slog.Uint64("port", uint64(serverPort)))

	// Check whether we need to resolve hostname.
	_, isName := dns.IsDomainName(svHostname)
	serverAddr, ipErr := netip.ParseAddr(svHostname)
	if !isName && ipErr != nil {
		log.Fatal("invalid hostname ", svHostname)
	}

	// OK, all pre-processing is done, bring up the controller.
	engine, stop, err := common.Setup(common.SetupConfig{
		SPIDev:       flagSPIDev,
		Hostname:     ourHost,
		StaticIP:     flagStaticIP,
		Logger:       logger,
		ReadyTimeout: 8 * time.Second,
	})
	if err != nil {
		log.Fatal("setup:", err)
	}
	defer stop()

	if ipErr != nil {
		// We have a hostname we must resolve.
		addrs, err := engine.NewResolver(dnsTimeout).LookupNetIP(svHostname)
		if err != nil {
			log.Fatal("DNS lookup failed:", err)
		}
		serverAddr = addrs[0]
	}

	// Create the HTTP request data.
	var req httpx.RequestHeader
	req.SetRequestURI(URL.RequestURI())
	req.SetMethod("GET")
	req.SetHost(svHostname)
	reqbytes := req.Header()

	logger.Info("tcp:ready",
		slog.String("clientaddr", engine.Addr().String()),
		slog.String("serveraddr", serverAddr.String()),
	)
	conn := engine.NewTCPConn()
	defer conn.Release()
	rxBuf := make([]byte, 8*1024)
	retries := 5
	for retries > 0 {
		retries--
		raddr := netip.AddrPortFrom(serverAddr, serverPort)
		logger.Info("dialing", slog.String("serveraddr", raddr.String()))
		err = conn.Connect(raddr, connTimeout)
		if err != nil {
			logger.Error("tcpconn:dial", slog.String("err", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		logger.Info("dialed", slog.Uint64("our-port", uint64(conn.LocalPort())))

		// Send the request.
		_, err = conn.Write(reqbytes)
		if err == nil {
			err = conn.Flush()
		}
		if err != nil {
			logger.Error("writing request", slog.String("err", err.Error()))
			conn.Stop()
			continue
		}
		nc := conn.NetConn()
		nc.SetReadDeadline(time.Now().Add(connTimeout))
		n, err := io.ReadFull(nc, rxBuf)
		if n == 0 {
			logger.Error("no response", slog.Any("err", err))
			conn.Stop()
			continue
		}
		logger.Info("response", slog.Int("len", n))
		os.Stdout.Write(rxBuf[:n])
		conn.Stop()
		return
	}
	os.Stderr.Write([]byte("failed to connect to server\n"))
	os.Exit(1)
}
