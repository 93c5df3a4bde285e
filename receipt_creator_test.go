package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go-checkin-verifier/models"
	"go-checkin-verifier/verifyapi"
	"go-checkin-verifier/wizard"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

// writeTestKey stores a fresh RSA key as PEM and returns its path.
func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	path := filepath.Join(t.TempDir(), "receipt.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path, key
}

func parseReceipt(t *testing.T, receipt string, key *rsa.PrivateKey) *ReceiptClaims {
	t.Helper()
	claims := &ReceiptClaims{}
	token, err := jwt.ParseWithClaims(receipt, claims, func(token *jwt.Token) (interface{}, error) {
		require.Equal(t, jwt.SigningMethodRS256, token.Method)
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)
	return claims
}

func TestCreateGuestReceipt(t *testing.T) {
	path, key := writeTestKey(t)
	rc, err := NewRSAReceiptCreator(path, "checkin-kiosk", time.Hour)
	require.NoError(t, err)

	receipt, err := rc.CreateReceipt(models.VerificationData{
		SessionToken:       "sess-1",
		FlowType:           models.FlowGuest,
		GuestVerified:      models.Bool(true),
		VerificationScore:  models.Float(0.92),
		VerifiedGuestCount: 2,
		ExpectedGuestCount: 2,
		RoomNumber:         "101",
	})
	require.NoError(t, err)

	claims := parseReceipt(t, receipt, key)
	require.Equal(t, "sess-1", claims.Subject)
	require.Equal(t, "checkin-kiosk", claims.Issuer)
	require.NotEmpty(t, claims.ID)
	require.True(t, claims.Verified)
	require.Equal(t, 2, claims.VerifiedGuestCount)
	require.InDelta(t, 0.92, *claims.VerificationScore, 1e-9)
	require.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestCreateVisitorReceipt(t *testing.T) {
	path, key := writeTestKey(t)
	rc, err := NewRSAReceiptCreator(path, "checkin-kiosk", 0)
	require.NoError(t, err)

	receipt, err := rc.CreateReceipt(models.VerificationData{
		SessionToken:           "sess-2",
		FlowType:               models.FlowVisitor,
		VisitorAccessCode:      "837261",
		VisitorAccessExpiresAt: "2025-03-01T18:30:00Z",
	})
	require.NoError(t, err)

	claims := parseReceipt(t, receipt, key)
	require.True(t, claims.Verified)
	require.Equal(t, models.FlowVisitor, claims.FlowType)
	require.Equal(t, "2025-03-01T18:30:00Z", claims.AccessExpiresAt)
}

func TestReceiptForResumedGuestSession(t *testing.T) {
	path, key := writeTestKey(t)
	rc, err := NewRSAReceiptCreator(path, "checkin-kiosk", time.Hour)
	require.NoError(t, err)

	res := wizard.Reconstruct("sess-3", &verifyapi.Session{
		CurrentStep:        "results",
		FlowType:           "guest",
		ConsentGiven:       models.Bool(true),
		IsVerified:         models.Bool(true),
		ExpectedGuestCount: intPtr(1),
		VerifiedGuestCount: intPtr(1),
	}, "", "")
	require.Equal(t, wizard.StepResults, res.Step)

	ctrl := wizard.NewControllerFromResume(nil, &res, wizard.ControllerConfig{})
	results, err := ctrl.Results()
	require.NoError(t, err)
	require.True(t, *results.Verified)

	receipt, err := rc.CreateReceipt(ctrl.Data())
	require.NoError(t, err)
	claims := parseReceipt(t, receipt, key)
	require.True(t, claims.Verified)
	require.Equal(t, 1, claims.VerifiedGuestCount)
}

func intPtr(i int) *int {
	return &i
}

func TestReceiptCreatorErrors(t *testing.T) {
	_, err := NewRSAReceiptCreator(filepath.Join(t.TempDir(), "missing.pem"), "x", time.Hour)
	require.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	_, err = NewRSAReceiptCreator(garbage, "x", time.Hour)
	require.Error(t, err)

	path, _ := writeTestKey(t)
	rc, err := NewRSAReceiptCreator(path, "x", time.Hour)
	require.NoError(t, err)
	_, err = rc.CreateReceipt(models.VerificationData{})
	require.Error(t, err)
}
