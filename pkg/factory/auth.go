package factory

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/youseeus/mongodb-async-driver/internal/xlog"
	"github.com/youseeus/mongodb-async-driver/pkg/conn"
	"github.com/youseeus/mongodb-async-driver/pkg/wire"
	"golang.org/x/crypto/pbkdf2"
)

const (
	scramIterationCount = 4096
	scramKeyLength      = sha256.Size
)

// AuthenticatingConnectionFactory wraps a delegate ConnectionFactory and
// runs a SCRAM-style challenge/response handshake (grounded on the
// teacher's sasl.Mechanism/doSasl step loop) on every connection it hands
// out, before returning it to the caller (§4.7 credentials wrapper).
type AuthenticatingConnectionFactory struct {
	Delegate    ConnectionFactory
	Credentials Credentials
	Codec       wire.Codec
	Log         xlog.Logger
}

func (f *AuthenticatingConnectionFactory) codec() wire.Codec { return defaultCodec(f.Codec) }
func (f *AuthenticatingConnectionFactory) log() xlog.Logger  { return defaultLogger(f.Log) }

// Connect opens a connection through the delegate and authenticates it
// before returning. The connection is shut down if authentication fails.
func (f *AuthenticatingConnectionFactory) Connect(ctx context.Context, serverName string) (*conn.SocketConnection, error) {
	c, err := f.Delegate.Connect(ctx, serverName)
	if err != nil {
		return nil, err
	}
	if err := f.authenticate(ctx, c); err != nil {
		c.Shutdown(true)
		return nil, fmt.Errorf("factory: authenticating %s: %w", c.Name(), err)
	}
	return c, nil
}

func (f *AuthenticatingConnectionFactory) Close() { f.Delegate.Close() }

// authenticate runs a two-step SCRAM-SHA-256-style exchange over c: a
// client-first message carrying a nonce, a server challenge carrying its
// own nonce and a salt/iteration count, and a client-final message proving
// knowledge of the password via an HMAC chain, mirroring the teacher's
// step-numbered challenge/response loop in doSasl.
func (f *AuthenticatingConnectionFactory) authenticate(ctx context.Context, c *conn.SocketConnection) error {
	clientNonce, err := randomNonce()
	if err != nil {
		return fmt.Errorf("generating client nonce: %w", err)
	}

	step := 0
	challenge, err := f.sendAuthStep(ctx, c, step, map[string]any{
		"saslStart": 1,
		"mechanism": "SCRAM-SHA-256",
		"user":      f.Credentials.Username,
		"nonce":     clientNonce,
	})
	if err != nil {
		return err
	}

	var serverFirst struct {
		Nonce      string `json:"nonce"`
		Salt       string `json:"salt"`
		Iterations int    `json:"iterations"`
		Done       bool   `json:"done"`
	}
	if err := f.codec().Decode(challenge, &serverFirst); err != nil {
		return fmt.Errorf("decoding server-first challenge: %w", err)
	}
	if serverFirst.Done {
		return fmt.Errorf("server completed handshake before client proof")
	}
	salt, err := base64.StdEncoding.DecodeString(serverFirst.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}
	iterations := serverFirst.Iterations
	if iterations <= 0 {
		iterations = scramIterationCount
	}

	saltedPassword := pbkdf2.Key([]byte(f.Credentials.Password), salt, iterations, scramKeyLength, sha256.New)
	clientKey := hmacSum(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	authMessage := []byte(clientNonce + serverFirst.Nonce)
	clientSignature := hmacSum(storedKey[:], authMessage)
	clientProof := xorBytes(clientKey, clientSignature)

	step++
	final, err := f.sendAuthStep(ctx, c, step, map[string]any{
		"saslContinue": 1,
		"nonce":        serverFirst.Nonce,
		"proof":        base64.StdEncoding.EncodeToString(clientProof),
	})
	if err != nil {
		return err
	}

	var serverFinal struct {
		Done      bool   `json:"done"`
		Signature string `json:"verifier"`
	}
	if err := f.codec().Decode(final, &serverFinal); err != nil {
		return fmt.Errorf("decoding server-final message: %w", err)
	}
	if !serverFinal.Done {
		return fmt.Errorf("authentication did not complete after client proof")
	}

	serverKey := hmacSum(saltedPassword, []byte("Server Key"))
	expectedSignature := hmacSum(serverKey, authMessage)
	if serverFinal.Signature != "" &&
		serverFinal.Signature != base64.StdEncoding.EncodeToString(expectedSignature) {
		return fmt.Errorf("server signature verification failed")
	}
	return nil
}

// sendAuthStep encodes payload, sends it as a command, and returns the raw
// reply document for the caller to decode.
func (f *AuthenticatingConnectionFactory) sendAuthStep(ctx context.Context, c *conn.SocketConnection, step int, payload map[string]any) ([]byte, error) {
	body, err := f.codec().Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding auth step %d: %w", step, err)
	}
	msg := wire.RawMessage{Op: wire.OpQuery, Payload: body, Reply: true}

	type result struct {
		reply wire.Reply
		err   error
	}
	done := make(chan result, 1)
	_, sendErr := c.Send(ctx, msg, conn.CallbackFunc{
		IsLightweight: true,
		Fn: func(_ context.Context, reply wire.Reply, err error) {
			done <- result{reply: reply, err: err}
		},
	})
	if sendErr != nil {
		return nil, sendErr
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if len(r.reply.Documents) == 0 {
			return nil, fmt.Errorf("auth step %d carried no reply document", step)
		}
		return r.reply.Documents[0], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func hmacSum(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func randomNonce() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
