// Package token builds and signs FileTransferTokens for the storage cluster
// and probes the cluster for file presence on the arbiter's behalf.
package token

import (
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/etsangsplk/concent/internal/config"
	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/envelope"
)

// Header names understood by the storage cluster.
const (
	HeaderAuthorization   = "Authorization"
	HeaderClientPublicKey = "Concent-Client-Public-Key"
	authorizationScheme   = "Golem "
	// DownloadPath is the cluster-relative prefix for file reads.
	DownloadPath = "download/"
)

// ResultPath is the cluster-relative path of a subtask's result package.
func ResultPath(taskID, subtaskID string) string {
	return fmt.Sprintf("blender/result/%s/%s.%s.zip", taskID, taskID, subtaskID)
}

// SourcePath is the cluster-relative path of a subtask's source package.
func SourcePath(taskID, subtaskID string) string {
	return fmt.Sprintf("blender/source/%s/%s.%s.zip", taskID, taskID, subtaskID)
}

// Issuer builds and signs tokens with the arbiter's key.
type Issuer struct {
	key        *ecdsa.PrivateKey
	clusterURL string
	protocol   config.Protocol
	now        func() time.Time
}

// NewIssuer creates an Issuer. The cluster address must end with '/'.
func NewIssuer(key *ecdsa.PrivateKey, clusterURL string, p config.Protocol, now func() time.Time) *Issuer {
	if !strings.HasSuffix(clusterURL, "/") {
		panic("token: storage cluster address must end with '/'")
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{key: key, clusterURL: clusterURL, protocol: p, now: now}
}

// ClusterURL returns the configured storage cluster address.
func (i *Issuer) ClusterURL() string { return i.clusterURL }

// PublicKey returns the arbiter's raw public key.
func (i *Issuer) PublicKey() []byte { return envelope.PublicKey(i.key) }

// Issue builds a token for one operation on files that expires
// TOKEN_EXPIRATION_TIME from now.
func (i *Issuer) Issue(authorized []byte, op domain.Operation, files []domain.FileInfo) (domain.FileTransferToken, error) {
	now := i.now()
	return i.IssueUntil(authorized, op, files, now.Add(i.protocol.TokenExpirationTime))
}

// IssueUntil builds a token with an explicit expiration deadline.
func (i *Issuer) IssueUntil(authorized []byte, op domain.Operation, files []domain.FileInfo, expires time.Time) (domain.FileTransferToken, error) {
	if op != domain.OperationUpload && op != domain.OperationDownload {
		return domain.FileTransferToken{}, fmt.Errorf("unknown operation %q", op)
	}
	if len(files) == 0 {
		return domain.FileTransferToken{}, fmt.Errorf("token must cover at least one file")
	}
	for _, f := range files {
		if f.Path == "" || strings.HasPrefix(f.Path, "/") {
			return domain.FileTransferToken{}, fmt.Errorf("file path %q must be cluster relative", f.Path)
		}
	}
	now := i.now()
	if expires.Before(now) {
		return domain.FileTransferToken{}, fmt.Errorf("token expiration %v precedes its timestamp %v", expires, now)
	}
	return domain.FileTransferToken{
		Timestamp:                 now.Unix(),
		TokenExpirationDeadline:   expires.Unix(),
		StorageClusterAddress:     i.clusterURL,
		AuthorizedClientPublicKey: authorized,
		Operation:                 op,
		Files:                     append([]domain.FileInfo(nil), files...),
	}, nil
}

// Seal signs a token into a FileTransferToken envelope.
func (i *Issuer) Seal(t domain.FileTransferToken) (*envelope.Envelope, error) {
	return envelope.Seal(envelope.TypeFileTransferToken, t.Timestamp, t, i.key)
}

// AuthorizationHeaders signs t and returns the headers that present it to
// the storage cluster as the arbiter.
func (i *Issuer) AuthorizationHeaders(t domain.FileTransferToken) (map[string]string, error) {
	env, err := i.Seal(t)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderAuthorization:   authorizationScheme + base64.StdEncoding.EncodeToString(env.Bytes()),
		HeaderClientPublicKey: base64.StdEncoding.EncodeToString(i.PublicKey()),
	}, nil
}

// ParseAuthorization decodes an Authorization header value back into the
// signed token envelope.
func ParseAuthorization(header string) (*envelope.Envelope, error) {
	if !strings.HasPrefix(header, authorizationScheme) {
		return nil, domain.NewError(domain.CodeMessageInvalid, "authorization header has wrong scheme")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, authorizationScheme))
	if err != nil {
		return nil, domain.WrapError(domain.CodeMessageInvalid, "decode authorization header", err)
	}
	env, err := envelope.Open(raw)
	if err != nil {
		return nil, err
	}
	if err := env.Expect(envelope.TypeFileTransferToken); err != nil {
		return nil, err
	}
	return env, nil
}

// DisputeFiles lists the files a dispute acknowledgement covers.
func DisputeFiles(taskID, subtaskID string, sourceHash string, sourceSize int64, resultHash string, resultSize int64) []domain.FileInfo {
	return []domain.FileInfo{
		{Path: ResultPath(taskID, subtaskID), Checksum: resultHash, Size: resultSize, Category: domain.CategoryResult},
		{Path: SourcePath(taskID, subtaskID), Checksum: sourceHash, Size: sourceSize, Category: domain.CategorySource},
	}
}

// ResultFile describes the single result package of a forced transfer.
func ResultFile(taskID, subtaskID, hash string, size int64) domain.FileInfo {
	return domain.FileInfo{Path: ResultPath(taskID, subtaskID), Checksum: hash, Size: size, Category: domain.CategoryResult}
}
