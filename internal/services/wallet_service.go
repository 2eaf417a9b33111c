package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/viper"
)

// DepositIntent is a short-lived instruction for funding a balance on
// chain. The wallet app scans the QR and submits the transfer; the
// reconciler credits the ledger once the TokenDeposited event lands.
type DepositIntent struct {
	IntentID  string    `json:"intentId"`
	UserID    string    `json:"userId"`
	Amount    int64     `json:"amount"`
	Contract  string    `json:"contract"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expiresAt"`
	QRImage   string    `json:"qrImage"`
	QRPath    string    `json:"qrPath"`
}

// WalletService handles the off-ledger edges of the balance lifecycle:
// deposit intents in and withdrawal requests out. Actual balance
// mutations stay with the ledger service.
type WalletService struct {
	redis     *redis.Client
	ledger    *BalanceLedgerService
	contract  string
	intentTTL time.Duration
	qrDir     string
}

func NewWalletService(redisClient *redis.Client, ledger *BalanceLedgerService) *WalletService {
	viper.SetDefault("wallet.deposit_contract", "token")
	viper.SetDefault("wallet.intent_ttl", 15*time.Minute)
	viper.SetDefault("wallet.qr_dir", "./static/qr")
	return &WalletService{
		redis:     redisClient,
		ledger:    ledger,
		contract:  viper.GetString("wallet.deposit_contract"),
		intentTTL: viper.GetDuration("wallet.intent_ttl"),
		qrDir:     viper.GetString("wallet.qr_dir"),
	}
}

// CreateDepositIntent registers a funding intent and renders its QR
// code. The intent is advisory; credits only ever come from confirmed
// chain events.
func (s *WalletService) CreateDepositIntent(ctx context.Context, userID string, amount int64) (*DepositIntent, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	intent := &DepositIntent{
		IntentID:  fmt.Sprintf("DEP-%d", time.Now().UnixNano()),
		UserID:    userID,
		Amount:    amount,
		Contract:  s.contract,
		Nonce:     generateNonce(),
		ExpiresAt: time.Now().Add(s.intentTTL).UTC(),
	}

	payload, err := json.Marshal(intent)
	if err != nil {
		return nil, err
	}

	if s.redis != nil {
		key := fmt.Sprintf("deposit:intent:%s", intent.IntentID)
		if err := s.redis.Set(ctx, key, payload, s.intentTTL).Err(); err != nil {
			return nil, err
		}
	}

	qr, err := qrcode.New(base64.URLEncoding.EncodeToString(payload), qrcode.Medium)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return nil, err
	}
	intent.QRImage = base64.StdEncoding.EncodeToString(buf.Bytes())

	// Persisted copy lets clients refetch the image over the static
	// route without holding the base64 blob.
	if err := os.MkdirAll(s.qrDir, 0o755); err == nil {
		file := filepath.Join(s.qrDir, intent.IntentID+".png")
		if err := os.WriteFile(file, buf.Bytes(), 0o644); err == nil {
			intent.QRPath = "/static/qr/" + intent.IntentID + ".png"
		} else {
			log.Printf("[WALLET] Failed to persist QR for %s: %v", intent.IntentID, err)
		}
	}

	return intent, nil
}

// GetDepositIntent resolves a pending intent, e.g. when the wallet app
// confirms the scan.
func (s *WalletService) GetDepositIntent(ctx context.Context, intentID string) (*DepositIntent, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("%w: deposit intent %s", ErrNotFound, intentID)
	}
	data, err := s.redis.Get(ctx, fmt.Sprintf("deposit:intent:%s", intentID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: deposit intent %s", ErrNotFound, intentID)
	}
	if err != nil {
		return nil, err
	}
	var intent DepositIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// WithdrawalRequest is the queue record handed to the chain gateway
// worker that signs and submits the on-chain transfer.
type WithdrawalRequest struct {
	RequestID   string    `json:"requestId"`
	UserID      string    `json:"userId"`
	Amount      int64     `json:"amount"`
	Destination string    `json:"destination"`
	RequestedAt time.Time `json:"requestedAt"`
}

// RequestWithdrawal debits the user's available balance and queues the
// on-chain payout. The debit happens first so a crashed worker can
// never double-spend; an unprocessed request is reconciled manually
// from the queue.
func (s *WalletService) RequestWithdrawal(ctx context.Context, userID string, amount int64, destination string) (*WithdrawalRequest, error) {
	// Refuse before touching the ledger: with no queue the debit could
	// never be paid out.
	if s.redis == nil {
		return nil, fmt.Errorf("withdrawal queue unavailable")
	}
	if err := s.ledger.Debit(ctx, userID, amount); err != nil {
		return nil, err
	}

	req := &WithdrawalRequest{
		RequestID:   fmt.Sprintf("WDR-%d", time.Now().UnixNano()),
		UserID:      userID,
		Amount:      amount,
		Destination: destination,
		RequestedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := s.redis.RPush(ctx, "withdrawal_queue", data).Err(); err != nil {
		// The debit already committed. Refund rather than leave funds
		// in limbo.
		if refundErr := s.ledger.Credit(ctx, userID, amount); refundErr != nil {
			log.Printf("[WALLET] Failed to reverse debit for %s after queue error: %v", req.RequestID, refundErr)
		}
		return nil, err
	}
	return req, nil
}

func generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
