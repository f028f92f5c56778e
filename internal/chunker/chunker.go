// Package chunker turns a session's raw byte stream into sealed chunks:
// size-bounded segments that are compressed, encrypted with a per-session
// key, digested, and spilled durably to disk before handoff.
package chunker

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/veilstream/veilstream/pkg/model"
)

// FinalizationError reports a failed chunk finalization. The buffered
// plaintext is retained by the recorder so the caller can retry.
type FinalizationError struct {
	SessionID     string
	SequenceIndex int
	Buffered      int
	Err           error
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("chunker: finalize chunk %d of session %s (%d bytes buffered): %v",
		e.SequenceIndex, e.SessionID, e.Buffered, e.Err)
}

func (e *FinalizationError) Unwrap() error { return e.Err }

// Sealed pairs a finalized chunk record with its on-wire object,
// nonce followed by the AEAD ciphertext (tag included).
type Sealed struct {
	Chunk  model.Chunk
	Object []byte
}

// Recorder accumulates raw session bytes and emits sealed chunks. It is a
// single-producer type: sequence assignment is serialized by construction
// and callers must not use one Recorder from multiple goroutines.
type Recorder struct {
	cfg       model.ChunkerConfig
	sessionID string
	dir       string
	keyRef    string

	aead cipher.AEAD
	enc  *zstd.Encoder

	buf    bytes.Buffer
	seq    int
	offset int64

	log *slog.Logger
}

// NewRecorder creates a recorder for one session. The session key is
// derived from masterKey and sessionID; chunk objects are spilled under
// dataDir/<sessionID>/.
func NewRecorder(sessionID, dataDir string, masterKey []byte, cfg model.ChunkerConfig, logger *slog.Logger) (*Recorder, error) {
	if cfg.MinChunkSize <= 0 || cfg.MaxChunkSize <= 0 {
		cfg = model.DefaultChunkerConfig()
	}
	if cfg.MaxChunkSize < cfg.MinChunkSize {
		return nil, fmt.Errorf("chunker: max chunk size %d below min %d", cfg.MaxChunkSize, cfg.MinChunkSize)
	}

	key, err := DeriveSessionKey(masterKey, sessionID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("chunker: init aead: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("chunker: init zstd encoder: %w", err)
	}

	dir := filepath.Join(dataDir, sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("chunker: mkdir %s: %w", dir, err)
	}

	return &Recorder{
		cfg:       cfg,
		sessionID: sessionID,
		dir:       dir,
		keyRef:    "hkdf-sha256:" + keyDomain + sessionID,
		aead:      aead,
		enc:       enc,
		log:       logger,
	}, nil
}

// Append feeds raw bytes into the recorder and returns zero or more
// finalized chunks. A chunk is cut whenever the buffer reaches the
// configured minimum size, capped at the maximum size.
func (r *Recorder) Append(p []byte) ([]Sealed, error) {
	r.buf.Write(p)

	var out []Sealed
	for r.buf.Len() >= r.cfg.MinChunkSize {
		n := r.buf.Len()
		if n > r.cfg.MaxChunkSize {
			n = r.cfg.MaxChunkSize
		}
		sealed, err := r.finalize(n)
		if err != nil {
			return out, err
		}
		out = append(out, sealed)
	}
	return out, nil
}

// Finalize seals any remaining partial buffer and returns it, or nil if
// the buffer is empty.
func (r *Recorder) Finalize() (*Sealed, error) {
	if r.buf.Len() == 0 {
		return nil, nil
	}
	sealed, err := r.finalize(r.buf.Len())
	if err != nil {
		return nil, err
	}
	return &sealed, nil
}

// finalize compresses, encrypts, digests, and spills the first n buffered
// bytes. The buffer is drained only after the chunk is durably written, so
// a failure leaves the plaintext in place for retry.
func (r *Recorder) finalize(n int) (Sealed, error) {
	plain := r.buf.Bytes()[:n]

	compressed := r.enc.EncodeAll(plain, make([]byte, 0, len(plain)/2))

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, &FinalizationError{
			SessionID: r.sessionID, SequenceIndex: r.seq, Buffered: r.buf.Len(), Err: err,
		}
	}
	ciphertext := r.aead.Seal(nil, nonce, compressed, nil)
	digest := model.Digest(sha256.Sum256(ciphertext))

	object := make([]byte, 0, len(nonce)+len(ciphertext))
	object = append(object, nonce...)
	object = append(object, ciphertext...)

	chunkID := fmt.Sprintf("%s-%06d", r.sessionID, r.seq)
	path := filepath.Join(r.dir, chunkID+".enc")
	if err := writeDurable(path, object); err != nil {
		return Sealed{}, &FinalizationError{
			SessionID: r.sessionID, SequenceIndex: r.seq, Buffered: r.buf.Len(), Err: err,
		}
	}

	chunk := model.Chunk{
		ID:               chunkID,
		SessionID:        r.sessionID,
		SequenceIndex:    r.seq,
		Offset:           r.offset,
		OriginalSize:     int64(n),
		CompressedSize:   int64(len(compressed)),
		CiphertextSize:   int64(len(ciphertext)),
		CiphertextDigest: digest,
		KeyRef:           r.keyRef,
		LocalPath:        path,
		CreatedAt:        time.Now().UTC(),
	}

	r.buf.Next(n)
	r.offset += int64(n)
	r.seq++

	r.log.Debug("chunk finalized",
		"chunk", chunkID,
		"original", chunk.OriginalSize,
		"compressed", chunk.CompressedSize,
		"ciphertext", chunk.CiphertextSize)

	return Sealed{Chunk: chunk, Object: object}, nil
}

// Open authenticates and decrypts a chunk object (nonce plus ciphertext)
// and decompresses the plaintext. A wrong key or tampered ciphertext fails
// closed.
func (r *Recorder) Open(object []byte) ([]byte, error) {
	return Open(object, r.aead)
}

// Open decrypts object with the given AEAD and decompresses the result.
func Open(object []byte, aead cipher.AEAD) ([]byte, error) {
	if len(object) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("chunker: object too short (%d bytes)", len(object))
	}
	nonce := object[:chacha20poly1305.NonceSizeX]
	ciphertext := object[chacha20poly1305.NonceSizeX:]

	compressed, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("chunker: open chunk: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("chunker: init zstd decoder: %w", err)
	}
	defer dec.Close()

	plain, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("chunker: decompress chunk: %w", err)
	}
	return plain, nil
}

// NewAEAD builds the AEAD for a session so stored chunks can be opened
// outside a Recorder.
func NewAEAD(masterKey []byte, sessionID string) (cipher.AEAD, error) {
	key, err := DeriveSessionKey(masterKey, sessionID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("chunker: init aead: %w", err)
	}
	return aead, nil
}

// Buffered returns the number of plaintext bytes awaiting finalization.
func (r *Recorder) Buffered() int { return r.buf.Len() }

// Close releases the compressor.
func (r *Recorder) Close() error {
	return r.enc.Close()
}

func writeDurable(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
