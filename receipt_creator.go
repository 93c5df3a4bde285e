package main

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"go-checkin-verifier/models"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// ReceiptCreator signs a record of a finished verification session that
// the front desk can check without calling the verification backend.
type ReceiptCreator interface {
	CreateReceipt(data models.VerificationData) (receipt string, err error)
}

type ReceiptClaims struct {
	jwt.RegisteredClaims
	FlowType           models.FlowType `json:"flow_type"`
	Verified           bool            `json:"verified"`
	VerificationScore  *float64        `json:"verification_score,omitempty"`
	VerifiedGuestCount int             `json:"verified_guest_count"`
	ExpectedGuestCount int             `json:"expected_guest_count"`
	RoomNumber         string          `json:"room_number,omitempty"`
	AccessExpiresAt    string          `json:"access_expires_at,omitempty"`
}

type RSAReceiptCreator struct {
	privateKey *rsa.PrivateKey
	issuer     string
	validity   time.Duration
	now        func() time.Time
}

func NewRSAReceiptCreator(privateKeyPath string, issuer string, validity time.Duration) (*RSAReceiptCreator, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read receipt key: %w", err)
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse receipt key: %w", err)
	}

	if validity <= 0 {
		validity = 24 * time.Hour
	}

	return &RSAReceiptCreator{
		privateKey: privateKey,
		issuer:     issuer,
		validity:   validity,
		now:        time.Now,
	}, nil
}

func (rc *RSAReceiptCreator) CreateReceipt(data models.VerificationData) (string, error) {
	if data.SessionToken == "" {
		return "", fmt.Errorf("cannot create receipt without session token")
	}

	now := rc.now()
	verified := data.Verified() != nil && *data.Verified()
	if data.FlowType.IsVisitor() {
		verified = data.VisitorAccessCode != ""
	}

	claims := ReceiptClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    rc.issuer,
			Subject:   data.SessionToken,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(rc.validity)),
		},
		FlowType:           data.FlowType,
		Verified:           verified,
		VerificationScore:  data.VerificationScore,
		VerifiedGuestCount: data.VerifiedGuestCount,
		ExpectedGuestCount: data.ExpectedGuestCount,
		RoomNumber:         data.RoomNumber,
		AccessExpiresAt:    data.VisitorAccessExpiresAt,
	}

	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(rc.privateKey)
}
