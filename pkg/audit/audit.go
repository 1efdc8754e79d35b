// Package audit records horizen security events in an append-only JSONL log
// protected by an HMAC chain, so that edited, dropped or reordered records
// are detected by Verify.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/horizen/pkg/crypto"
	"github.com/forest6511/horizen/pkg/store"
)

const (
	// MinAuditDiskSpace is the free space required to append a record.
	MinAuditDiskSpace = 1024 * 1024

	// KeyFileName holds the per-installation secret the HMAC key is derived from.
	KeyFileName = "audit.key"

	metaFileName = "audit.meta"
	genesis      = "genesis"
	hkdfInfo     = "horizen-audit-v1"
)

// Operations.
const (
	OpSecuritySetup          = "security.setup"
	OpSecurityUnlock         = "security.unlock"
	OpSecurityUnlockFailed   = "security.unlock_failed"
	OpSecurityLock           = "security.lock"
	OpSecurityDisable        = "security.disable"
	OpSecurityChangePassword = "security.change_password"
	OpSecurityRollback       = "security.rollback"

	OpAPIKeyUpdate  = "apikeys.update"
	OpAPIKeyDelete  = "apikeys.delete"
	OpAPIKeyMigrate = "apikeys.migrate"
	OpAPIKeyRead    = "apikeys.read"

	OpExport          = "backup.export"
	OpImport          = "backup.import"
	OpSnapshotRestore = "backup.restore"
)

// Sources.
const (
	SourceCLI = "cli"
	SourceMCP = "mcp"
	SourceTUI = "tui"
)

// Results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// Event is one audit record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"`

	Operation string `json:"op"`
	// Subject is the HMAC of the affected item (e.g. a provider id), never
	// the item itself.
	Subject string `json:"subject,omitempty"`

	Source    string `json:"source"`
	SessionID string `json:"session_id"`

	Result  string            `json:"result"`
	Error   string            `json:"error,omitempty"`
	Context map[string]string `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// chainState is persisted in audit.meta between processes.
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Logger appends events. It is safe for concurrent use.
type Logger struct {
	path       string
	source     string
	hmacKey    []byte
	hmacKeySet bool
	mu         sync.Mutex
	sequence   int64
	prevHash   string
	sessionID  string
	now        func() time.Time
}

// NewLogger returns a logger writing to dir. SetHMACKey must be called
// before Log.
func NewLogger(dir, source string) *Logger {
	return &Logger{
		path:      dir,
		source:    source,
		prevHash:  genesis,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// Open returns a ready logger for dir, creating the installation secret on
// first use.
func Open(dir, source string) (*Logger, error) {
	l := NewLogger(dir, source)
	secret, err := loadOrCreateSecret(dir)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(secret)
	if err := l.SetHMACKey(secret); err != nil {
		return nil, err
	}
	return l, nil
}

func loadOrCreateSecret(dir string) ([]byte, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: failed to create directory: %w", err)
	}
	keyPath := filepath.Join(dir, KeyFileName)

	data, err := os.ReadFile(keyPath)
	if err == nil {
		secret, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(secret) != crypto.KeyLength {
			return nil, fmt.Errorf("audit: %s is corrupted", KeyFileName)
		}
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("audit: failed to read key: %w", err)
	}

	secret, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := os.WriteFile(keyPath, []byte(encoded+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("audit: failed to write key: %w", err)
	}
	return secret, nil
}

// SetHMACKey derives the chain key from secret and loads the chain state.
func (l *Logger) SetHMACKey(secret []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, err := crypto.DeriveSubKey(secret, hkdfInfo)
	if err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key
	l.hmacKeySet = true

	if err := l.loadChainState(); err != nil {
		// First run
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// Path returns the log directory.
func (l *Logger) Path() string { return l.path }

// Log appends one event.
func (l *Logger) Log(op, result, subject string, cause error, ctx map[string]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return errors.New("audit: HMAC key not set")
	}
	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	event := Event{
		Version:   1,
		ID:        newEventID(),
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Source:    l.source,
		SessionID: l.sessionID,
		Result:    result,
		Context:   ctx,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if subject != "" {
		mac := hmac.New(sha256.New, l.hmacKey)
		mac.Write([]byte(subject))
		event.Subject = hex.EncodeToString(mac.Sum(nil))
	}

	l.sequence++
	event.Chain.Sequence = l.sequence
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sign(&event)
	l.prevHash = event.Chain.HMAC

	if err := l.writeEvent(&event); err != nil {
		return err
	}
	return l.saveChainState()
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, subject string) error {
	return l.Log(op, ResultSuccess, subject, nil, nil)
}

// LogError records a failed operation.
func (l *Logger) LogError(op, subject string, cause error) error {
	return l.Log(op, ResultError, subject, cause, nil)
}

// LogDenied records a refused operation.
func (l *Logger) LogDenied(op, subject, reason string) error {
	return l.Log(op, ResultDenied, subject, nil, map[string]string{"reason": reason})
}

// sign computes the HMAC over every significant field of event.
func (l *Logger) sign(event *Event) string {
	keys := make([]string, 0, len(event.Context))
	for k := range event.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var ctx strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&ctx, "%s=%s|", k, event.Context[k])
	}

	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		event.Version,
		event.ID,
		event.Timestamp,
		event.Operation,
		event.Subject,
		event.Source,
		event.SessionID,
		event.Result,
		event.Error,
		ctx.String(),
		event.Chain.Sequence,
		event.Chain.PrevHash,
	)
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// writeEvent appends to the current month's file.
func (l *Logger) writeEvent(event *Event) error {
	name := l.now().UTC().Format("2006-01") + ".jsonl"
	f, err := os.OpenFile(filepath.Join(l.path, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, metaFileName))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, metaFileName), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

func (l *Logger) checkDiskSpace() error {
	info, err := store.CheckDiskSpace(l.path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to check disk space for audit: %v\n", err)
		return nil
	}
	if info.Available < MinAuditDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d",
			info.Available, MinAuditDiskSpace)
	}
	return nil
}

// newEventID returns a time-ordered UUIDv7, falling back to v4.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// VerifyResult reports the outcome of Verify.
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify walks every log file and checks sequence, linkage and HMAC.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return nil, errors.New("audit: HMAC key not set")
	}

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesis
	var expectedSeq int64 = 1

	for i := range events {
		event := &events[i]
		result.RecordsTotal++

		if event.Chain.Sequence != expectedSeq {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d", event.ID, expectedSeq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != expectedPrev {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s: expected prev %s, got %s", event.ID, expectedPrev, event.Chain.PrevHash))
		}
		if !hmac.Equal([]byte(event.Chain.HMAC), []byte(l.sign(event))) {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		} else {
			result.RecordsVerified++
		}

		expectedPrev = event.Chain.HMAC
		expectedSeq++
	}
	return result, nil
}

// ListEvents returns the most recent limit events (0 = all), oldest first.
func (l *Logger) ListEvents(limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

func (l *Logger) readAll() ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM.jsonl sorts chronologically
	sort.Strings(files)

	var all []Event
	for _, file := range files {
		events, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		all = append(all, events...)
	}
	return all, nil
}

func readLogFile(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}
