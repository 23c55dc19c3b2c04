package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ErrNotFound is the catalog's terminal "this no longer exists" answer. It is
// distinct from transient transport failures, which surface as plain errors.
var ErrNotFound = errors.New("not found")

const (
	curseAPIBase  = "https://addons-ecs.forgesvc.net/api/v2"
	metaAPIBase   = "https://v1.meta.multimc.org"
	mojangAPIBase = "https://launchermeta.mojang.com"

	minecraftGameID = "432"
)

// Client talks to the CurseForge addon catalog, the MultiMC meta service, and
// Mojang's launcher meta. The base URLs are fields so tests can point it at
// local servers.
type Client struct {
	CurseBase  string
	MetaBase   string
	MojangBase string

	rest *resty.Client
	log  zerolog.Logger
}

func NewClient(log zerolog.Logger) *Client {
	rest := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= http.StatusInternalServerError ||
				r.StatusCode() == http.StatusTooManyRequests
		})
	return &Client{
		CurseBase:  curseAPIBase,
		MetaBase:   metaAPIBase,
		MojangBase: mojangAPIBase,
		rest:       rest,
		log:        log.With().Str("component", "catalog").Logger(),
	}
}
