package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/ardanlabs/utxonode/app/services/node/handlers"
	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/database/storage/disk"
	"github.com/ardanlabs/utxonode/foundation/blockchain/genesis"
	"github.com/ardanlabs/utxonode/foundation/blockchain/peer"
	"github.com/ardanlabs/utxonode/foundation/blockchain/relay"
	"github.com/ardanlabs/utxonode/foundation/blockchain/state"
	"github.com/ardanlabs/utxonode/foundation/blockchain/worker"
	"github.com/ardanlabs/utxonode/foundation/events"
	"github.com/ardanlabs/utxonode/foundation/logger"
	"github.com/ardanlabs/utxonode/foundation/nameservice"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	// This is all the configuration for the application and the default values.
	// Configuration values will be passed through the application as individual
	// values.
	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			PrivateHost     string        `conf:"default:0.0.0.0:9080"`
		}
		State struct {
			MinerName       string        `conf:"default:pavel"`
			Mining          bool          `conf:"default:true"`
			MineEmptyBlocks bool          `conf:"default:false"`
			DBPath          string        `conf:"default:zblock/data/"`
			GenesisPath     string        `conf:"default:zblock/genesis.json"`
			SelectStrategy  string        `conf:"default:feerate"`
			MempoolMaxBytes int           `conf:"default:300000000"`
			MempoolMaxChain int           `conf:"default:25"`
			MempoolExpiry   time.Duration `conf:"default:336h"`
			OrphanTTL       time.Duration `conf:"default:20m"`
		}
		P2P struct {
			ListenHost   string        `conf:"default:0.0.0.0:9180"`
			ExternalHost string        `conf:"default:127.0.0.1:9180"`
			Seeds        []string      `conf:"default:127.0.0.1:9181;127.0.0.1:9182"`
			MaxPeers     int           `conf:"default:32"`
			MaxOutbound  int           `conf:"default:8"`
			PingInterval time.Duration `conf:"default:30s"`
			ReadTimeout  time.Duration `conf:"default:90s"`
			BanThreshold int           `conf:"default:100"`
			BanDuration  time.Duration `conf:"default:24h"`
		}
		NameService struct {
			Folder string `conf:"default:zblock/accounts/"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "copyright information here",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Name Service Support

	// The nameservice package provides name resolution for addresses. The
	// names come from the file names in the zblock/accounts folder.
	ns, err := nameservice.New(cfg.NameService.Folder)
	if err != nil {
		return fmt.Errorf("unable to load account name service: %w", err)
	}

	// Logging the addresses for documentation in the logs.
	for addr, name := range ns.Copy() {
		log.Infow("startup", "status", "nameservice", "name", name, "address", addr)
	}

	// =========================================================================
	// Blockchain Support

	// Need to load the private key file for the configured miner so the
	// address can get credited with the subsidy and fees.
	path := fmt.Sprintf("%s%s.ecdsa", cfg.NameService.Folder, cfg.State.MinerName)
	privateKey, err := crypto.LoadECDSA(path)
	if err != nil {
		return fmt.Errorf("unable to load private key for node: %w", err)
	}

	gen, err := genesis.LoadFile(cfg.State.GenesisPath)
	if err != nil {
		return fmt.Errorf("unable to load genesis: %w", err)
	}

	// The known peers start with the seeds. Peers learned over the network
	// are added by the relay.
	peerSet := peer.NewPeerSet(1_000)
	for _, host := range cfg.P2P.Seeds {
		peerSet.Add(peer.New(host))
	}

	// The blockchain packages accept a function of this signature to allow the
	// application to log. These raw messages are also sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.New()
	ev := logger.EvHandler(log, evts.Send)

	// Every collector is registered with this registry and served on the
	// debug mux.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Storage corruption found while processing blocks stops the node.
	fatalErrors := make(chan error, 1)

	store, err := disk.New(cfg.State.DBPath)
	if err != nil {
		return fmt.Errorf("unable to open storage: %w", err)
	}

	// The state value represents the blockchain node and manages the blockchain
	// database and provides an API for application support.
	st, err := state.New(state.Config{
		MinerAddress:    database.PublicKeyToAddress(privateKey.PublicKey),
		MineEmptyBlocks: cfg.State.MineEmptyBlocks,
		Host:            cfg.P2P.ExternalHost,
		Storage:         store,
		Genesis:         gen,
		SelectStrategy:  cfg.State.SelectStrategy,
		MempoolMaxBytes: cfg.State.MempoolMaxBytes,
		MempoolMaxChain: cfg.State.MempoolMaxChain,
		OrphanTTL:       cfg.State.OrphanTTL,
		KnownPeers:      peerSet,
		EvHandler:       ev,
		OnNewBestTip: func(hash database.Hash) {
			evts.Send(fmt.Sprintf("tip: %s", hash))
		},
		Fatal: func(err error) {
			select {
			case fatalErrors <- err:
			default:
			}
		},
		Registerer: reg,
	})
	if err != nil {
		store.Close()
		return err
	}
	defer st.Shutdown()

	// The coordinator owns the peer connections. It is registered with the
	// state so accepted blocks and transactions are relayed.
	bans := peer.NewBanManager(peer.BanConfig{
		Threshold: cfg.P2P.BanThreshold,
		Duration:  cfg.P2P.BanDuration,
		OnBanned: func(host string, until time.Time, reason string) {
			log.Infow("p2p", "status", "banned", "host", host, "until", until, "reason", reason)
		},
	})

	coord, err := relay.New(relay.Config{
		State:        st,
		Magic:        gen.Magic,
		ChainID:      gen.ChainID,
		ListenAddr:   cfg.P2P.ListenHost,
		ExternalHost: cfg.P2P.ExternalHost,
		Seeds:        cfg.P2P.Seeds,
		MaxPeers:     cfg.P2P.MaxPeers,
		MaxOutbound:  cfg.P2P.MaxOutbound,
		PingInterval: cfg.P2P.PingInterval,
		ReadTimeout:  cfg.P2P.ReadTimeout,
		Bans:         bans,
		Registerer:   reg,
		EvHandler:    ev,
	})
	if err != nil {
		return fmt.Errorf("unable to construct relay: %w", err)
	}
	st.Announcer = coord

	// The worker package implements the mining and maintenance workflows.
	// The worker will register itself with the state.
	worker.Run(st, worker.Config{
		Mining:        cfg.State.Mining,
		MempoolExpiry: cfg.State.MempoolExpiry,
	}, ev)

	// =========================================================================
	// Start P2P Service

	p2pCtx, p2pCancel := context.WithCancel(context.Background())
	defer p2pCancel()

	p2pErrors := make(chan error, 1)
	go func() {
		log.Infow("startup", "status", "p2p relay started", "host", cfg.P2P.ListenHost)
		p2pErrors <- coord.Run(p2pCtx)
	}()

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	// The Debug function returns a mux to listen and serve on for all the debug
	// related endpoints. This includes the standard library endpoints.

	// Construct the mux for the debug calls.
	debugMux := handlers.DebugMux(build, log, st, reg)

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug v1 router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	// Construct the mux for the public API calls.
	publicMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		NS:       ns,
		Evts:     evts,
	})

	// Construct a server to service the requests against the mux.
	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      publicMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Start Private Service

	log.Infow("startup", "status", "initializing V1 private API support")

	// Construct the mux for the private API calls.
	privateMux := handlers.PrivateMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		NS:       ns,
		Relay:    coord,
	})

	// Construct a server to service the requests against the mux.
	private := http.Server{
		Addr:         cfg.Web.PrivateHost,
		Handler:      privateMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "private api router started", "host", private.Addr)
		serverErrors <- private.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case err := <-p2pErrors:
		return fmt.Errorf("p2p error: %w", err)

	case err := <-fatalErrors:
		p2pCancel()
		<-p2pErrors
		evts.Shutdown()
		return fmt.Errorf("storage error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Stop the relay first so no peer message is applied while the
		// state shuts down.
		log.Infow("shutdown", "status", "shutdown p2p relay")
		p2pCancel()
		if err := <-p2pErrors; err != nil {
			log.Errorw("shutdown", "status", "p2p relay", "ERROR", err)
		}

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		// Give outstanding requests a deadline for completion.
		ctx, cancelPri := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPri()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown private API started")
		if err := private.Shutdown(ctx); err != nil {
			private.Close()
			return fmt.Errorf("could not stop private service gracefully: %w", err)
		}

		// Give outstanding requests a deadline for completion.
		ctx, cancelPub := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPub()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown public API started")
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}
	}

	return nil
}
