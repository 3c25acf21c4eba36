// Package crypto encrypts OAuth tokens before they are written to the user
// store. Production uses AWS KMS; DEV_MODE and tests use the mock.
package crypto

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Encryptor encrypts and decrypts token material.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// KMSEncryptor implements Encryptor with an AWS KMS key.
type KMSEncryptor struct {
	client *kms.Client
	keyID  string
}

// NewKMSEncryptor creates a KMSEncryptor. keyID is a key ID, ARN, or alias
// (e.g. "alias/postmetric-token-key").
func NewKMSEncryptor(client *kms.Client, keyID string) *KMSEncryptor {
	return &KMSEncryptor{client: client, keyID: keyID}
}

// Encrypt returns the base64-encoded KMS ciphertext of plaintext.
func (e *KMSEncryptor) Encrypt(ctx context.Context, plaintext string) (string, error) {
	out, err := e.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(e.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Decrypt reverses Encrypt.
func (e *KMSEncryptor) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	out, err := e.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(e.keyID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}
	return string(out.Plaintext), nil
}
