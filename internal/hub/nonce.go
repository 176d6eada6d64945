package hub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
)

// SignNonce signs the nonce bytes with RSASSA-PKCS1-v1_5 over SHA-256 and
// returns the signature in standard base64
func SignNonce(priv *rsa.PrivateKey, nonce string) (string, error) {
	if priv == nil {
		return "", cryptoErr("no private key")
	}
	digest := sha256.Sum256([]byte(nonce))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", cryptoErr("sign nonce: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyNonce checks a SignNonce signature
func VerifyNonce(pub *rsa.PublicKey, nonce, signature string) error {
	if pub == nil {
		return cryptoErr("no public key")
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return cryptoErr("signature is not base64: %v", err)
	}
	digest := sha256.Sum256([]byte(nonce))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return cryptoErr("verify nonce: %v", err)
	}
	return nil
}
