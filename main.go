package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/castline/upnpav/browse"
	"github.com/castline/upnpav/config"
	"github.com/castline/upnpav/contentdirectory"
	"github.com/castline/upnpav/eventing"
	"github.com/castline/upnpav/httpwire"
	"github.com/castline/upnpav/internal/buildinfo"
	"github.com/castline/upnpav/internal/lifecycle"
	"github.com/castline/upnpav/subscription"
	"github.com/castline/upnpav/upnp"
)

// selfTestOutput is the -self-test flag's JSON report: confirms the
// Configuration layer resolves and the core packages wire together without
// requiring a reachable device on the network.
type selfTestOutput struct {
	Version string               `json:"version"`
	Config  config.Configuration `json:"config"`
	Wiring  struct {
		SoapClient         bool `json:"soap_client"`
		ContentDirectory   bool `json:"content_directory_client"`
		SubscriptionEngine bool `json:"subscription_engine"`
		EventHandler       bool `json:"event_handler"`
	} `json:"wiring"`
}

func main() {
	host := flag.String("host", "", "target device host or IP (required unless -self-test/-version)")
	port := flag.Int("port", 1400, "target device control/event port")
	scheme := flag.String("scheme", "http", "http or https")
	controlPath := flag.String("control-path", "/MediaServer/ContentDirectory/Control", "ContentDirectory SOAP control path")
	eventPath := flag.String("event-path", "/MediaServer/ContentDirectory/Event", "ContentDirectory GENA event path")
	scpdPath := flag.String("scpd-path", "/xml/ContentDirectory1.xml", "ContentDirectory SCPD document path")
	objectID := flag.String("object-id", "0", "ContentDirectory object id to browse")
	configPath := flag.String("config", "", "optional INI file overlaying config.Default()")
	selfTest := flag.Bool("self-test", false, "print a wiring/configuration diagnostic and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadINI(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if *selfTest {
		runSelfTest(cfg)
		return
	}

	if *host == "" {
		fmt.Fprintln(os.Stderr, "nosonctl: -host is required")
		flag.Usage()
		os.Exit(2)
	}

	logLevel := parseLogLevel(os.Getenv("UPNPAV_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	logger.Info("nosonctl_start",
		slog.String("version", buildinfo.Version),
		slog.String("log_level", logLevel.String()),
		slog.String("host", *host),
	)

	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	binding := upnp.ServiceBinding{
		Endpoint:    upnp.Endpoint{Host: *host, Port: *port, Scheme: *scheme},
		ControlPath: *controlPath,
		EventPath:   *eventPath,
		SCPDPath:    *scpdPath,
		ServiceType: "urn:schemas-upnp-org:service:ContentDirectory:1",
	}

	readTimeout := time.Duration(cfg.HTTPReadTimeoutSec) * time.Second
	var soapClient *httpwire.Client
	if *scheme == "https" || cfg.TLSEnabled {
		soapClient = httpwire.NewTLSClient(readTimeout, cfg.HTTPRetryAttempts, cfg.TLSVerifyPeer, cfg.TLSCipherList)
	} else {
		soapClient = httpwire.NewClient(readTimeout, cfg.HTTPRetryAttempts)
	}
	cdClient := contentdirectory.New(binding, soapClient, readTimeout)

	handler := eventing.New(logger)
	handler.RegisterBroker(&eventing.StatusBroker{Path: "/status", Handler: handler})
	addr, err := handler.Serve(fmt.Sprintf(":%d", cfg.BindingPort))
	if err != nil {
		logger.Error("callback_listen_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("callback_listening", slog.String("addr", addr))

	snapshot := contentdirectory.NewPropertySnapshot()
	snapshot.OnChange = func(s *contentdirectory.PropertySnapshot) {
		logger.Info("contentdirectory_update",
			slog.String("system_update_id", s.SystemUpdateID),
			slog.Int("container_update_count", len(s.ContainerUpdateID)),
		)
	}
	subID := handler.CreateSubscription(snapshot)
	handler.SubscribeForEvent(subID, upnp.EventPropChange)

	callbackPort, err := callbackPortOf(addr)
	if err != nil {
		logger.Error("callback_port_parse_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	engine := subscription.New(binding, callbackPort, cfg.SubscriptionTimeoutSec, soapClient, readTimeout)
	if err := engine.Start(runCtx); err != nil {
		logger.Warn("subscribe_failed", slog.String("error", err.Error()))
	} else {
		handler.BindSID(subID, engine.SID())
		logger.Info("subscribed", slog.String("sid", engine.SID()))
	}

	list := browse.NewContentList(cdClient.BrowseFunc(), *objectID, browse.BrowseCount)
	count := 0
	for {
		item, ok, err := list.Next(runCtx)
		if err != nil {
			logger.Warn("browse_failed", slog.String("error", err.Error()))
			break
		}
		if !ok {
			break
		}
		count++
		logger.Info("browse_item",
			slog.String("object_id", item.ObjectID),
			slog.String("parent_id", item.ParentID),
		)
	}
	logger.Info("browse_complete", slog.Int("items", count), slog.Int("total_matches", list.TotalMatches()))

	<-runCtx.Done()
	logger.Info("nosonctl_stopping", slog.String("reason", "signal"))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Warn("unsubscribe_failed", slog.String("error", err.Error()))
	}
	if err := handler.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// callbackPortOf extracts the bound port from the address httpserver.Serve
// returns, whose host part is a wildcard ("" or "[::]") that the
// subscription engine's Configure step resolves to a device-reachable local
// IP separately — only the port number from this address is needed.
func callbackPortOf(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, err
	}
	return port, nil
}

func runSelfTest(cfg config.Configuration) {
	out := selfTestOutput{
		Version: buildinfo.Version,
		Config:  cfg,
	}

	readTimeout := time.Duration(cfg.HTTPReadTimeoutSec) * time.Second
	soapClient := httpwire.NewClient(readTimeout, cfg.HTTPRetryAttempts)
	binding := upnp.ServiceBinding{Endpoint: upnp.Endpoint{Host: "127.0.0.1", Port: 1400, Scheme: "http"}}
	cdClient := contentdirectory.New(binding, soapClient, readTimeout)
	handler := eventing.New(nil)
	defer handler.Stop(context.Background())
	engine := subscription.New(binding, int(cfg.BindingPort), cfg.SubscriptionTimeoutSec, soapClient, readTimeout)

	out.Wiring.SoapClient = soapClient != nil
	out.Wiring.ContentDirectory = cdClient != nil
	out.Wiring.SubscriptionEngine = engine != nil
	out.Wiring.EventHandler = handler != nil

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "invalid UPNPAV_LOG_LEVEL=%q; defaulting to info\n", raw)
		return slog.LevelInfo
	}
}
