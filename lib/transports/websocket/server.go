package websocket

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/healthnote-storage/healthnote-relay/lib/config"
	"github.com/healthnote-storage/healthnote-relay/lib/logging"
	"github.com/healthnote-storage/healthnote-relay/lib/satellite"
	"github.com/healthnote-storage/healthnote-relay/lib/signing"
	"github.com/healthnote-storage/healthnote-relay/lib/types"
	"github.com/healthnote-storage/healthnote-relay/lib/validation"
)

// BuildServer assembles the fiber app: the websocket endpoint on /,
// the relay information document for plain HTTP GETs of the same path,
// and the satellite registration endpoint.
func BuildServer(registry *satellite.Registry) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Use(handleRelayInfoRequests)

	app.Get("/", websocket.New(func(c *websocket.Conn) {
		maxQueue := 256
		if cfg, err := config.GetConfig(); err == nil {
			maxQueue = cfg.Limits.MaxOutboundQueue
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		conn := newConnection(ctx, c, maxQueue)
		logging.Debugf("Connection %d opened", conn.id)

		defer func() {
			// A panic in one connection tears down only that connection
			if r := recover(); r != nil {
				logging.Errorf("Connection %d panicked: %v", conn.id, r)
			}
			teardown(c)
			logging.Debugf("Connection %d closed", conn.id)
		}()

		for {
			if err := processWebSocketMessage(c); err != nil {
				break
			}
		}
	}))

	app.Post("/register-satellite", func(c *fiber.Ctx) error {
		var node types.SatelliteNode
		if err := c.BodyParser(&node); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed body"})
		}
		if err := registry.Register(&node); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "registered"})
	})

	return app
}

// StartServer binds and serves. Blocks until the listener stops.
func StartServer(app *fiber.App) error {
	cfg, err := config.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
	logging.Infof("Listening on %s", addr)
	return app.Listen(addr)
}

// handleRelayInfoRequests serves the information document for any
// plain HTTP GET of / — including NIP-11 requests with the
// application/nostr+json accept header — and lets websocket upgrades
// through to the protocol endpoint.
func handleRelayInfoRequests(c *fiber.Ctx) error {
	if c.Method() == fiber.MethodGet && c.Path() == "/" && !websocket.IsWebSocketUpgrade(c) {
		c.Set("Access-Control-Allow-Origin", "*")
		c.Set("Content-Type", "application/nostr+json")
		return c.JSON(GetRelayInfo())
	}
	return c.Next()
}

// GetRelayInfo builds the advertised metadata from configuration: the
// relay identity, the accepted kind list and the query limits.
func GetRelayInfo() RelayInfo {
	cfg, err := config.GetConfig()
	if err != nil {
		logging.Errorf("Configuration unavailable for relay info: %v", err)
		return RelayInfo{SupportedKinds: validation.AllowedKinds()}
	}

	info := RelayInfo{
		Name:           cfg.Relay.Name,
		Description:    cfg.Relay.Description,
		Contact:        cfg.Relay.Contact,
		SupportedNIPs:  []int{1, 11},
		Software:       cfg.Relay.Software,
		Version:        cfg.Relay.Version,
		SupportedKinds: validation.AllowedKinds(),
		Limitation: &Limitation{
			DefaultLimit: cfg.Limits.DefaultQueryLimit,
			MaxLimit:     cfg.Limits.MaxQueryLimit,
		},
	}

	if priv, _, err := signing.DeserializePrivateKey(cfg.Relay.PrivateKey); err == nil {
		info.Pubkey = signing.PublicKeyHex(priv.PubKey())
	}

	return info
}

// processWebSocketMessage reads and dispatches one inbound command.
// Unknown commands get an advisory NOTICE; the connection stays open.
func processWebSocketMessage(c *websocket.Conn) error {
	_, message, err := c.ReadMessage()
	if err != nil {
		return fmt.Errorf("read error: %w", err)
	}

	rawMessage := nostr.ParseMessage(message)

	switch env := rawMessage.(type) {
	case *nostr.EventEnvelope:
		handleEventMessage(c, env)

	case *nostr.ReqEnvelope:
		handleReqMessage(c, env)

	case *nostr.CloseEnvelope:
		handleCloseMessage(c, env)

	default:
		label := unknownCommandLabel(message)
		logging.Debugf("Unknown message type: %s", label)
		write := makeWriter(c)
		write("NOTICE", fmt.Sprintf("unknown command: %s", label))
	}

	return nil
}

// unknownCommandLabel pulls the command name out of a frame we could
// not parse, for the advisory NOTICE.
func unknownCommandLabel(message []byte) string {
	trimmed := bytes.TrimLeft(message, "[ \t")
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "unparseable"
	}
	end := bytes.IndexByte(trimmed[1:], '"')
	if end < 0 {
		return "unparseable"
	}
	return string(trimmed[1 : 1+end])
}
