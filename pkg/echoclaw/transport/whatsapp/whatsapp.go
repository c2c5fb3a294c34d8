// Package whatsapp implements the conversation transport for a personal
// WhatsApp account using whatsmeow, a native Go WhatsApp Web client.
//
// WhatsApp has no history API for linked devices, so every message seen on
// the event stream, and every message sent, is recorded in the store's
// history log; log row ids are the message ids the model sees. Chats are
// addressed by JID through the store's chat directory, which hands out
// positive ids for direct chats and negative ids for groups.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/jholhewres/echoclaw/pkg/echoclaw/store"
	"github.com/jholhewres/echoclaw/pkg/echoclaw/transport"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

const name = "whatsapp"

// Config holds WhatsApp transport configuration.
type Config struct {
	// SessionDir is the directory for the session database. Ignored if
	// DatabasePath is set.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the SQLite file for whatsmeow's session tables.
	// Empty means {SessionDir}/whatsapp.db.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name"`

	// AutoRead marks incoming messages as read.
	AutoRead bool `yaml:"auto_read"`

	// RespondToGroups records group chats; direct chats are always recorded.
	RespondToGroups bool `yaml:"respond_to_groups"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:      "./sessions/whatsapp",
		DeviceName:      "EchoClaw",
		AutoRead:        false,
		RespondToGroups: true,
	}
}

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateLoggedOut    ConnectionState = "logged_out"
)

// Log is the history log, chat directory and sticker catalog the transport
// records into.
type Log interface {
	AppendMessage(ctx context.Context, tr string, chat int64, nativeID string, m transport.Message) (int64, error)
	MessageID(ctx context.Context, tr string, chat int64, nativeID string) (int64, error)
	NativeMessage(ctx context.Context, tr string, chat, id int64) (store.MessageRef, error)
	SetReaction(ctx context.Context, messageID int64, senderID, emoji string) error
	RecentMessages(ctx context.Context, tr string, chat int64, limit int) ([]transport.Message, error)
	ChatID(ctx context.Context, tr, address string, isGroup bool, name string) (int64, error)
	ChatAddress(ctx context.Context, tr string, chat int64) (store.ChatEntry, error)
	GetSticker(ctx context.Context, codename string) (store.Sticker, error)
}

// client is the part of *whatsmeow.Client the transport uses.
type client interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	BuildReaction(chat, sender types.JID, id types.MessageID, reaction string) *waE2E.Message
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
	SendChatPresence(ctx context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error
	SendPresence(ctx context.Context, state types.Presence) error
	GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
	MarkRead(ctx context.Context, ids []types.MessageID, timestamp time.Time, chat, sender types.JID, receiptTypeExtra ...types.ReceiptType) error
}

// WhatsApp implements transport.Transport, transport.Indicator and
// transport.PresenceSetter.
type WhatsApp struct {
	cfg    Config
	log    Log
	logger *slog.Logger

	mu      sync.RWMutex
	wa      *whatsmeow.Client
	api     client
	self    types.JID
	contact func(ctx context.Context, jid types.JID) string

	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Value // ConnectionState
	lastMsg atomic.Value // time.Time

	// qrOut receives the login QR code rendering.
	qrOut io.Writer
}

// New creates a WhatsApp transport.
func New(cfg Config, log Log, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "EchoClaw"
	}
	w := &WhatsApp{
		cfg:    cfg,
		log:    log,
		logger: logger.With("component", "whatsapp"),
		ctx:    context.Background(),
		qrOut:  os.Stdout,
	}
	w.setState(StateDisconnected)
	return w
}

// SetQROutput redirects the login QR code rendering.
func (w *WhatsApp) SetQROutput(out io.Writer) { w.qrOut = out }

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return name }

// ---------- State Management ----------

func (w *WhatsApp) getState() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(state ConnectionState) {
	w.state.Store(state)
}

// State returns the current connection state.
func (w *WhatsApp) State() ConnectionState { return w.getState() }

// IsConnected reports whether the session is online.
func (w *WhatsApp) IsConnected() bool { return w.getState() == StateConnected }

// LastMessageAt returns when the last inbound message was recorded.
func (w *WhatsApp) LastMessageAt() time.Time {
	if v := w.lastMsg.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

func (w *WhatsApp) conn(op string) (client, types.JID, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.api == nil {
		return nil, types.JID{}, transport.HardError(op, "disconnected", transport.ErrDisconnected)
	}
	return w.api, w.self, nil
}

// ---------- Lifecycle ----------

// Connect opens the session store and connects. Without a stored session
// it runs the QR login in the background and renders codes to the QR
// output.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(StateConnecting)

	dbPath := w.cfg.DatabasePath
	if dbPath == "" {
		dbPath = w.cfg.SessionDir + "/whatsapp.db"
		if err := os.MkdirAll(w.cfg.SessionDir, 0o700); err != nil {
			w.setState(StateDisconnected)
			return fmt.Errorf("creating session dir: %w", err)
		}
	}
	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath), waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := getDevice(w.ctx, container)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}
	wastore.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	wa := whatsmeow.NewClient(device, waLog.Noop)
	wa.AddEventHandler(w.handleEvent)
	wa.EnableAutoReconnect = true
	wa.InitialAutoReconnect = true

	w.mu.Lock()
	w.wa = wa
	w.mu.Unlock()

	if wa.Store.ID == nil {
		w.setState(StateWaitingQR)
		w.logger.Info("whatsapp: no existing session, QR code required")
		go func() {
			if err := w.loginWithQR(w.ctx, wa); err != nil {
				w.logger.Warn("whatsapp: QR login failed", "error", err)
			}
		}()
		return nil
	}

	if err := wa.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}
	w.bind(wa)
	w.logger.Info("whatsapp: connected (existing session)", "jid", wa.Store.ID.String())
	return nil
}

// bind exposes a logged-in client to the transport methods.
func (w *WhatsApp) bind(wa *whatsmeow.Client) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.api = wa
	if wa.Store.ID != nil {
		w.self = wa.Store.ID.ToNonAD()
	}
	w.contact = func(ctx context.Context, jid types.JID) string {
		info, err := wa.Store.Contacts.GetContact(ctx, jid)
		if err != nil || !info.Found {
			return ""
		}
		if info.FullName != "" {
			return info.FullName
		}
		if info.FirstName != "" {
			return info.FirstName
		}
		return info.PushName
	}
}

// Disconnect closes the connection; the session stays stored.
func (w *WhatsApp) Disconnect() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	wa := w.wa
	w.wa, w.api = nil, nil
	w.mu.Unlock()
	if wa != nil {
		wa.Disconnect()
	}
	w.setState(StateDisconnected)
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Logout unlinks the device and clears the session.
func (w *WhatsApp) Logout(ctx context.Context) error {
	w.mu.RLock()
	wa := w.wa
	w.mu.RUnlock()
	if wa == nil {
		return nil
	}
	if err := wa.Logout(ctx); err != nil {
		w.logger.Warn("whatsapp: logout error, forcing cleanup", "error", err)
		wa.Disconnect()
		if wa.Store != nil {
			if delErr := wa.Store.Delete(ctx); delErr != nil {
				return fmt.Errorf("deleting session: %w", delErr)
			}
		}
	}
	w.setState(StateLoggedOut)
	w.logger.Info("whatsapp: logged out, session cleared")
	return nil
}

func getDevice(ctx context.Context, container *sqlstore.Container) (*wastore.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR drives the QR pairing flow until success, timeout or ctx end.
func (w *WhatsApp) loginWithQR(ctx context.Context, wa *whatsmeow.Client) error {
	qrChan, err := wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := wa.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case whatsmeow.QRChannelEventCode:
				w.setState(StateWaitingQR)
				w.logger.Info("whatsapp: scan the QR code with WhatsApp > Linked devices")
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, w.qrOut)
			case "success":
				w.bind(wa)
				w.setState(StateConnected)
				w.logger.Info("whatsapp: login successful")
				return nil
			case "timeout":
				w.setState(StateDisconnected)
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}
