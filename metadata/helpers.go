package metadata

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
	"golang.org/x/exp/slices"
)

// fromBytes returns a *Metadata[T] object from bytes and verifies
// that the data corresponds to the caller struct type
func fromBytes[T Roles](data []byte) (*Metadata[T], error) {
	meta := &Metadata[T]{}
	// verify that the type we used to create the object is the same as the type of the metadata file
	if err := checkType[T](data); err != nil {
		return nil, err
	}
	// if all is okay, unmarshal meta to the desired Metadata[T] type
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, ErrInvalidMetadata{Msg: err.Error()}
	}
	// Make sure signature key IDs are unique
	if err := checkUniqueSignatures(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Verifies if the signature key IDs are unique for that metadata
func checkUniqueSignatures[T Roles](meta *Metadata[T]) error {
	signatures := []string{}
	for _, sig := range meta.Signatures {
		if slices.Contains(signatures, sig.KeyID) {
			return ErrInvalidMetadata{Msg: fmt.Sprintf("multiple signatures found for keyid %s", sig.KeyID)}
		}
		signatures = append(signatures, sig.KeyID)
	}
	return nil
}

// Verifies if the generic type used to create the object is the same as the type of the metadata file in bytes
func checkType[T Roles](data []byte) error {
	var env struct {
		Signed struct {
			Type string `json:"_type"`
		} `json:"signed"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return ErrInvalidMetadata{Msg: err.Error()}
	}
	var want Role
	switch any(new(T)).(type) {
	case *RootType:
		want = ROOT
	case *SnapshotType:
		want = SNAPSHOT
	case *TimestampType:
		want = TIMESTAMP
	case *TargetsType:
		want = TARGETS
	}
	if env.Signed.Type != want.String() {
		return ErrInvalidMetadata{Msg: fmt.Sprintf("expected metadata type %s, got - %s", want, env.Signed.Type)}
	}
	// all okay
	return nil
}

// ExtractVersionUntrusted reads the version field out of a raw,
// not yet verified metadata document. Returns -1 when the document
// cannot be parsed.
func ExtractVersionUntrusted(data []byte) int64 {
	var env struct {
		Signed struct {
			Version *int64 `json:"version"`
		} `json:"signed"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Signed.Version == nil {
		return -1
	}
	return *env.Signed.Version
}

// CanonicalizeBytes reparses a raw metadata document and returns its
// deterministic key-sorted serialization, the form document hashes
// are computed over.
func CanonicalizeBytes(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return cjson.EncodeCanonical(v)
}

// VerifyCanonicalHashes recomputes every supported hash type that
// appears in hashes over the canonical form of data. A mismatch is a
// security failure; if no supported hash type appears at all the
// check cannot be satisfied.
func VerifyCanonicalHashes(repo RepositoryType, role Role, data []byte, hashes Hashes) error {
	canonical, err := CanonicalizeBytes(data)
	if err != nil {
		return ErrInvalidMetadata{Repo: repo, Role: role, Msg: err.Error()}
	}
	hashExists := false
	for alg, digest := range hashes {
		var computed []byte
		switch alg {
		case "sha256":
			sum := sha256.Sum256(canonical)
			computed = sum[:]
		case "sha512":
			sum := sha512.Sum512(canonical)
			computed = sum[:]
		default:
			continue
		}
		if hex.EncodeToString(computed) != hex.EncodeToString(digest) {
			return ErrSecurity{Repo: repo, Role: role, Msg: fmt.Sprintf("%s metadata hash verification failed", role.Title())}
		}
		hashExists = true
	}
	if !hashExists {
		return ErrNoHash{Repo: repo, Role: role}
	}
	return nil
}

func verifyLength(data []byte, length int64) error {
	if length != int64(len(data)) {
		return ErrInvalidMetadata{Msg: fmt.Sprintf("length verification failed - expected %d, got %d", length, len(data))}
	}
	return nil
}

func verifyHashes(data []byte, hashes Hashes) error {
	for alg, digest := range hashes {
		var computed []byte
		switch alg {
		case "sha256":
			sum := sha256.Sum256(data)
			computed = sum[:]
		case "sha512":
			sum := sha512.Sum512(data)
			computed = sum[:]
		default:
			return ErrInvalidMetadata{Msg: fmt.Sprintf("hash verification failed - unknown hashing algorithm - %s", alg)}
		}
		if hex.EncodeToString(computed) != hex.EncodeToString(digest) {
			return ErrInvalidMetadata{Msg: fmt.Sprintf("hash verification failed - mismatch for algorithm %s", alg)}
		}
	}
	return nil
}

// Title returns the human readable role name used in log and error
// messages.
func (r Role) Title() string {
	switch r {
	case ROOT:
		return "Root"
	case TIMESTAMP:
		return "Timestamp"
	case SNAPSHOT:
		return "Snapshot"
	case TARGETS:
		return "Targets"
	case OFFLINESNAPSHOT:
		return "Offline Snapshot"
	case OFFLINETARGETS:
		return "Offline Targets"
	}
	return r.String()
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || len(data)%2 != 0 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("uptane: invalid JSON hex bytes")
	}
	res := make([]byte, hex.DecodedLen(len(data)-2))
	_, err := hex.Decode(res, data[1:len(data)-1])
	if err != nil {
		return err
	}
	*b = res
	return nil
}

func (b HexBytes) MarshalJSON() ([]byte, error) {
	res := make([]byte, hex.EncodedLen(len(b))+2)
	res[0] = '"'
	res[len(res)-1] = '"'
	hex.Encode(res[1:], b)
	return res, nil
}

func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}
