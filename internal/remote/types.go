package remote

import (
	"errors"
	"fmt"
)

const HeaderContentLengths = "Content-Lengths"

var (
	ErrMissingLengths = errors.New("server didn't send " + HeaderContentLengths)
	ErrNoVersions     = errors.New("no versions available")
	ErrNoCredential   = errors.New("no credential, run `bucket auth` first")
)

// Credential is the record produced by the auth handshake.
type Credential struct {
	Remote   string `yaml:"remote" json:"remote"`
	Private  string `yaml:"private" json:"private"`
	Public   string `yaml:"public" json:"public"`
	ClientID string `yaml:"client_id" json:"clientId"`
}

func (c Credential) Valid() bool {
	return c.Remote != "" && c.Private != "" && c.ClientID != ""
}

type DownloadContext struct {
	Context string `json:"context"`
}

type Version struct {
	GameID      string `json:"gameId"`
	VersionName string `json:"versionName"`
}

type contextBody struct {
	Game    string `json:"game"`
	Version string `json:"version"`
}

type chunkBodyFile struct {
	Filename   string `json:"filename"`
	ChunkIndex int    `json:"chunkIndex"`
}

type chunkBody struct {
	Context string          `json:"context"`
	Files   []chunkBodyFile `json:"files"`
}

type initiateBody struct {
	Name         string              `json:"name"`
	Platform     string              `json:"platform"`
	Capabilities map[string]struct{} `json:"capabilities"`
}

type handshakeBody struct {
	ClientID string `json:"clientId"`
	Token    string `json:"token"`
}

type handshakeResponse struct {
	Private     string `json:"private"`
	Certificate string `json:"certificate"`
	ID          string `json:"id"`
}

// StatusError is a non-200 reply; Body holds the server's message.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.Code, e.Body)
}
