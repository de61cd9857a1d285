// Command hypo-syncd is the sync core daemon: it loads configuration,
// wires every package in this module together (keystore, cryptoservice
// identity, discovery, the embedded LAN server, the outbound cloud/LAN
// transports, the transport manager, the dispatcher, the pairing
// protocol, the sync engine, and the local control socket), and runs
// until signalled. LOG_LEVEL selects the log verbosity.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hypoclip/sync-core/config"
	"github.com/hypoclip/sync-core/control"
	"github.com/hypoclip/sync-core/cryptoservice"
	"github.com/hypoclip/sync-core/discovery"
	"github.com/hypoclip/sync-core/dispatch"
	"github.com/hypoclip/sync-core/envelope"
	"github.com/hypoclip/sync-core/hypolog"
	"github.com/hypoclip/sync-core/keystore"
	"github.com/hypoclip/sync-core/manager"
	"github.com/hypoclip/sync-core/pairing"
	"github.com/hypoclip/sync-core/syncengine"
	"github.com/hypoclip/sync-core/transport"
	"github.com/hypoclip/sync-core/transport/wsserver"
)

const (
	exitSetupSuccess = 0
	exitSetupFailed  = 1
)

func printUsage() {
	fmt.Printf("usage:\n")
	fmt.Printf("%s [-config PATH] [-state-dir DIR]\n", os.Args[0])
}

func logLevelFromEnv() int {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return hypolog.LevelDebug
	case "info":
		return hypolog.LevelInfo
	case "error":
		return hypolog.LevelError
	case "silent":
		return hypolog.LevelSilent
	}
	return hypolog.LevelInfo
}

func main() {
	var configPath, stateDir string
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-config":
			i++
			if i >= len(args) {
				printUsage()
				os.Exit(exitSetupFailed)
			}
			configPath = args[i]
		case "-state-dir":
			i++
			if i >= len(args) {
				printUsage()
				os.Exit(exitSetupFailed)
			}
			stateDir = args[i]
		case "-h", "--help":
			printUsage()
			return
		default:
			printUsage()
			os.Exit(exitSetupFailed)
		}
	}
	if stateDir == "" {
		stateDir = "."
	}

	log := hypolog.New(logLevelFromEnv(), "(hypo-syncd) ")

	cfg, err := loadOrInitConfig(configPath, stateDir)
	if err != nil {
		log.Errorf("config: %v", err)
		os.Exit(exitSetupFailed)
	}

	log.Infof("starting hypo-syncd for device %s (%s)", cfg.DeviceID, cfg.Platform)

	masterKey, err := loadOrCreateMasterKey(filepath.Join(stateDir, "master.key"))
	if err != nil {
		log.Errorf("master key: %v", err)
		os.Exit(exitSetupFailed)
	}
	keys := keystore.New(keystore.NewFileSecretStore(filepath.Join(stateDir, "keys.json"), masterKey))

	identity, err := loadOrCreateIdentity(filepath.Join(stateDir, "identity.key"))
	if err != nil {
		log.Errorf("identity key: %v", err)
		os.Exit(exitSetupFailed)
	}

	var cloudTransport *transport.Transport
	if cfg.Environment == config.EnvironmentCloud {
		cloudTransport = transport.New(transport.Config{
			Environment:        transport.EnvironmentCloud,
			URL:                cfg.URL,
			FingerprintSHA256:  cfg.FingerprintSHA256,
			Headers:            cfg.HTTPHeader(),
			IdleTimeout:        cfg.IdleTimeout(),
			RoundTripTimeout:   cfg.RoundTripTimeout(),
			MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		}, log)
	}

	mgr := manager.New(log, cloudTransport)

	disp := dispatch.New(mgr)

	engine := syncengine.New(log, cfg.DeviceID, keys, mgr, disp, mgr, cfg.MaxAttachmentBytes)
	mgr.SetIncomingClipboardHandler(engine.HandleInboundEnvelope)

	if cloudTransport != nil {
		cloudTransport.SetInboundHandler(engine.HandleInboundEnvelope)
	}

	lanServer := wsserver.New(log)
	lanServer.SetInboundHandler(func(_ *wsserver.Conn, env *envelope.SyncEnvelope) {
		engine.HandleInboundEnvelope(env)
	})
	port, err := lanServer.Listen(fmt.Sprintf(":%d", cfg.LANPort))
	if err != nil {
		log.Errorf("lan listen: %v", err)
		os.Exit(exitSetupFailed)
	}
	mgr.SetLANServer(lanServer)
	go func() {
		if err := lanServer.Serve(); err != nil {
			log.Infof("lan server stopped: %v", err)
		}
	}()

	disco := discovery.New(log, nil)
	if err := disco.Advertise(discovery.Config{
		ServiceName: cfg.DeviceName,
		Port:        port,
		DeviceID:    cfg.DeviceID,
		Fingerprint: cfg.FingerprintSHA256,
	}); err != nil {
		log.Errorf("mdns advertise: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disco.Browse(ctx)
	go func() {
		for ev := range disco.Events() {
			mgr.ApplyDiscoveryEvent(ev)
		}
	}()

	registrar := registrarAdapter{mgr: mgr, keys: keys}
	proto := pairing.New(cfg.DeviceID, cfg.DeviceName, identity, registrar, func(id, name string) {
		log.Infof("pairing completed with %s (%s)", id, name)
	})

	lanServer.SetPairingHandler(func(c *wsserver.Conn, data []byte) {
		handlePairingFrame(log, proto, data, func(ack pairing.Ack) {
			if err := writePairingFrame(c, ack); err != nil {
				log.Errorf("pairing: write ack: %v", err)
			}
		})
	})
	if cloudTransport != nil {
		cloudTransport.SetPairingHandler(func(data []byte) {
			handlePairingFrame(log, proto, data, func(ack pairing.Ack) {
				// The cloud transport has no per-message reply path distinct
				// from Send; a responder behind cloud relays its Ack the same
				// way it relays any other message (out of scope to frame here).
				log.Debugf("pairing: ack ready for challenge %s", ack.ChallengeID)
			})
		})
	}

	go engine.Run(ctx)

	var ctrl *control.Server
	if cfg.ControlSocketPath != "" {
		ctrl = control.New(log, mgr)
		if err := ctrl.Listen(cfg.ControlSocketPath); err != nil {
			log.Errorf("control socket: %v", err)
		} else {
			go func() {
				if err := ctrl.Serve(); err != nil {
					log.Infof("control server stopped: %v", err)
				}
			}()
			log.Infof("control socket listening at %s", cfg.ControlSocketPath)
		}
	}

	if cloudTransport != nil {
		go cloudTransport.Run()
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)
	<-term

	log.Infof("shutting down")
	cancel()
	disco.StopAdvertise()
	mgr.Close()
	if ctrl != nil {
		ctrl.Close()
	}

	os.Exit(exitSetupSuccess)
}

func loadOrInitConfig(path, stateDir string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	c := config.Default()
	c.DeviceID = envOr("HYPO_DEVICE_ID", "local-device")
	c.DeviceName = envOr("HYPO_DEVICE_NAME", "Hypo Device")
	c.Platform = envOr("HYPO_PLATFORM", "desktop")
	c.ControlSocketPath = filepath.Join(stateDir, "hypo-syncd.sock")
	return c, c.Validate()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadOrCreateMasterKey(path string) (cryptoservice.SymmetricKey, error) {
	if b, err := os.ReadFile(path); err == nil {
		return cryptoservice.ParseSymmetricKeyBase64(string(b))
	}
	var key cryptoservice.SymmetricKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.WriteFile(path, []byte(key.Base64()), 0o600); err != nil {
		return key, fmt.Errorf("persist master key: %w", err)
	}
	return key, nil
}

func loadOrCreateIdentity(path string) (cryptoservice.PrivateKey, error) {
	if b, err := os.ReadFile(path); err == nil {
		return cryptoservice.ParsePrivateKeyBase64(string(b))
	}
	priv, err := cryptoservice.NewPrivateKey()
	if err != nil {
		return priv, err
	}
	if err := os.WriteFile(path, []byte(priv.Base64()), 0o600); err != nil {
		return priv, fmt.Errorf("persist identity key: %w", err)
	}
	return priv, nil
}

// registrarAdapter narrows key install (keystore.Store.Save) and peer
// registration (manager.Manager.RegisterPairedDevice) into the single
// Registrar capability pairing.Protocol needs. No single existing type
// exposes both; syncengine's peer-list and device-tracking dependencies and
// dispatch's PeerLocator are satisfied directly by *manager.Manager's own
// method set.

type registrarAdapter struct {
	mgr  *manager.Manager
	keys *keystore.Store
}

func (r registrarAdapter) InstallKey(deviceID string, key cryptoservice.SymmetricKey) error {
	return r.keys.Save(deviceID, key)
}

func (r registrarAdapter) RegisterPeer(deviceID, name string) {
	r.mgr.RegisterPairedDevice(manager.PairedDevice{ID: deviceID, Name: name})
}

// pairingFrame discriminates a raw pairing text frame by field presence:
// a Challenge always carries initiator_pub_key, an Ack never does.
type pairingFrame struct {
	InitiatorPubKey string `json:"initiator_pub_key"`
}

func handlePairingFrame(log hypolog.Logger, proto *pairing.Protocol, data []byte, onAck func(pairing.Ack)) {
	var disc pairingFrame
	if err := json.Unmarshal(data, &disc); err != nil {
		log.Errorf("pairing: malformed frame: %v", err)
		return
	}

	if disc.InitiatorPubKey != "" {
		var challenge pairing.Challenge
		if err := json.Unmarshal(data, &challenge); err != nil {
			log.Errorf("pairing: decode challenge: %v", err)
			return
		}
		ack, err := proto.HandleChallenge(challenge)
		if err != nil {
			log.Errorf("pairing: handle challenge: %v", err)
			return
		}
		onAck(ack)
		return
	}

	var ack pairing.Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		log.Errorf("pairing: decode ack: %v", err)
		return
	}
	if err := proto.HandleAck(ack); err != nil {
		log.Errorf("pairing: handle ack: %v", err)
	}
}

func writePairingFrame(c *wsserver.Conn, ack pairing.Ack) error {
	data, err := json.Marshal(ack)
	if err != nil {
		return err
	}
	return c.WritePairing(data)
}
