// Package otp implements the one-time-code login flow: cooldown-limited send,
// attempt-capped verify, and user upsert on success.
//
// All OTP state lives in the cache under bounded TTLs; nothing here is
// authoritative, and a cache flush simply forces clients back through the
// send step.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/grouppick/backend/internal/cache"
	"github.com/grouppick/backend/internal/fraud"
	"github.com/grouppick/backend/internal/metrics"
	"github.com/grouppick/backend/internal/sms"
	"github.com/grouppick/backend/internal/store"
)

// Flow errors. The text is the wire constant the HTTP edge returns verbatim;
// handlers map each to its status code.
var (
	ErrInvalidPhone      = errors.New("INVALID_PHONE_NUMBER")
	ErrExceededSendLimit = errors.New("EXCEEDED_SEND_LIMIT")
	ErrCooldownActive    = errors.New("PLEASE_WAIT_BEFORE_NEXT_REQUEST")
	ErrNotFoundOrExpired = errors.New("OTP_NOT_FOUND_OR_EXPIRED")
	ErrExpired           = errors.New("OTP_EXPIRED")
	ErrInvalidCode       = errors.New("INVALID_OTP_CODE")
	ErrTooManyAttempts   = errors.New("EXCEEDED_VERIFICATION_ATTEMPTS")
)

// Store is the persistence surface the OTP flow needs.
type Store interface {
	UpsertUserByPhone(ctx context.Context, phone string) (*store.User, error)
}

// Options carries the tunables from configuration.
type Options struct {
	Length       int
	TTL          time.Duration
	SendCooldown time.Duration
	MaxAttempts  int
	VerifyWindow time.Duration
	Sandbox      bool
}

// SendResult reports a successful send. Code is populated only in sandbox
// mode, where the response body carries it instead of an SMS.
type SendResult struct {
	Phone string
	Code  string
}

// record is the cached OTP payload.
type record struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
	IPAddress string    `json:"ip,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
}

// Service implements the send/verify flow.
type Service struct {
	cache   cache.Cache
	store   Store
	sender  sms.Sender
	fraud   *fraud.Detector
	metrics *metrics.Metrics
	opts    Options

	now func() time.Time
}

// NewService wires the OTP service.
func NewService(c cache.Cache, s Store, sender sms.Sender, detector *fraud.Detector, m *metrics.Metrics, opts Options) *Service {
	return &Service{
		cache:   c,
		store:   s,
		sender:  sender,
		fraud:   detector,
		metrics: m,
		opts:    opts,
		now:     time.Now,
	}
}

func otpKey(phone string) string       { return fmt.Sprintf("otp:phone:%s", phone) }
func sendLimitKey(phone string) string { return fmt.Sprintf("otp:send:limit:%s", phone) }
func lastReqKey(phone string) string   { return fmt.Sprintf("otp:last_request:%s", phone) }
func attemptsKey(phone string) string  { return fmt.Sprintf("otp:verify:attempts:%s", phone) }

// NormalizePhone canonicalizes a mobile number to +989XXXXXXXXX. Accepted
// inputs: 09..., 9..., 98..., 0098..., +98..., with separators ignored.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "0098"):
		digits = digits[2:]
	case strings.HasPrefix(digits, "09") && len(digits) == 11:
		digits = "98" + digits[1:]
	case strings.HasPrefix(digits, "9") && len(digits) == 10:
		digits = "98" + digits
	}

	if len(digits) != 12 || !strings.HasPrefix(digits, "989") {
		return "", ErrInvalidPhone
	}
	return "+" + digits, nil
}

// Send issues a fresh code for the phone, bounded by the active-window limit
// and the cooldown marker.
func (s *Service) Send(ctx context.Context, rawPhone, addr, agent string) (*SendResult, error) {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}

	if s.fraud != nil {
		s.fraud.FlagPhoneIfSuspicious(phone, addr, agent)
	}

	if _, err := s.cache.Get(ctx, sendLimitKey(phone)); err == nil {
		return nil, ErrExceededSendLimit
	} else if !errors.Is(err, cache.ErrMiss) {
		return nil, fmt.Errorf("send limit lookup: %w", err)
	}
	if _, err := s.cache.Get(ctx, lastReqKey(phone)); err == nil {
		return nil, ErrCooldownActive
	} else if !errors.Is(err, cache.ErrMiss) {
		return nil, fmt.Errorf("cooldown lookup: %w", err)
	}

	code, err := randomCode(s.opts.Length)
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	rec := record{
		Code:      code,
		ExpiresAt: s.now().Add(s.opts.TTL),
		IPAddress: addr,
		UserAgent: agent,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal otp record: %w", err)
	}
	if err := s.cache.SetEx(ctx, otpKey(phone), string(raw), s.opts.TTL); err != nil {
		return nil, fmt.Errorf("store otp: %w", err)
	}
	if err := s.cache.SetEx(ctx, sendLimitKey(phone), "1", s.opts.SendCooldown); err != nil {
		return nil, fmt.Errorf("store send limit: %w", err)
	}
	if err := s.cache.SetEx(ctx, lastReqKey(phone), "1", s.opts.SendCooldown); err != nil {
		return nil, fmt.Errorf("store cooldown: %w", err)
	}

	if err := s.sender.Send(ctx, phone, code); err != nil {
		return nil, fmt.Errorf("dispatch otp: %w", err)
	}

	s.metrics.OTPSent.Inc()
	slog.Info("otp sent", "phone", phone)

	out := &SendResult{Phone: phone}
	if s.opts.Sandbox {
		out.Code = code
	}
	return out, nil
}

// Verify checks the code for the phone and, on success, upserts the user and
// clears all OTP state for the phone.
//
// The attempt counter is incremented before the code is even read, so a burst
// of concurrent calls cannot collectively bypass the cap.
func (s *Service) Verify(ctx context.Context, rawPhone, code, addr string) (*store.User, error) {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return nil, err
	}

	attempts, err := s.cache.Incr(ctx, attemptsKey(phone))
	if err != nil {
		return nil, fmt.Errorf("attempt counter: %w", err)
	}
	if err := s.cache.Expire(ctx, attemptsKey(phone), s.opts.VerifyWindow); err != nil {
		slog.Warn("attempt counter expire failed", "phone", phone, "error", err)
	}
	if attempts > int64(s.opts.MaxAttempts) {
		if s.fraud != nil {
			s.fraud.TrackOTPFailureByPhone(ctx, phone)
		}
		s.metrics.OTPVerify.WithLabelValues("throttled").Inc()
		return nil, ErrTooManyAttempts
	}

	raw, err := s.cache.Get(ctx, otpKey(phone))
	if errors.Is(err, cache.ErrMiss) {
		s.metrics.OTPVerify.WithLabelValues("not_found").Inc()
		return nil, ErrNotFoundOrExpired
	} else if err != nil {
		return nil, fmt.Errorf("otp lookup: %w", err)
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode otp record: %w", err)
	}
	if s.now().After(rec.ExpiresAt) {
		_ = s.cache.Del(ctx, otpKey(phone))
		s.metrics.OTPVerify.WithLabelValues("expired").Inc()
		return nil, ErrExpired
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(rec.Code)) != 1 {
		if s.fraud != nil {
			s.fraud.TrackOTPFailureByAddress(ctx, addr)
		}
		s.metrics.OTPVerify.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidCode
	}

	if err := s.cache.Del(ctx, otpKey(phone), attemptsKey(phone)); err != nil {
		slog.Warn("otp cleanup failed", "phone", phone, "error", err)
	}

	user, err := s.store.UpsertUserByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	s.metrics.OTPVerify.WithLabelValues("success").Inc()
	slog.Info("otp verified", "phone", phone, "user_id", user.ID)
	return user, nil
}

// randomCode draws a uniform n-digit code, leading zeros preserved.
func randomCode(n int) (string, error) {
	bound := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", n, v), nil
}
