package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/folkengine/goname"

	"github.com/relaychat/relay/config"
	"github.com/relaychat/relay/globals"
	"github.com/relaychat/relay/types"
)

const forwardedUserHeader = "X-Forwarded-User"

type claims struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// FromRequest derives the connection identity from the externally-issued
// gateway assertion. Authenticating the user is the gateway's job; the
// assertion is decoded here, and only verified when an OIDC provider is
// configured. Requests without any identity header get a generated guest
// name.
func FromRequest(r *http.Request, cfg *config.Config) types.Identity {
	header := cfg.AuthConfig.IdentityHeader
	if header == "" {
		header = "Cf-Access-Jwt-Assertion"
	}
	if raw := r.Header.Get(header); raw != "" {
		identity, err := decodeAssertion(r.Context(), raw, cfg)
		if err != nil {
			globals.AppLogger.Error("could not decode identity assertion", "error", err)
		} else if !identity.IsAnonymous() {
			return identity
		}
	}
	if user := r.Header.Get(forwardedUserHeader); user != "" {
		return types.Identity{Username: user, Subject: user}
	}
	return Guest(cfg)
}

// Guest returns a fresh guest identity. Guests carry no stable subject, so
// their messages stay editable only under display-name equality.
func Guest(cfg *config.Config) types.Identity {
	suffix := cfg.AuthConfig.GuestSuffix
	if suffix == "" {
		suffix = " (guest)"
	}
	return types.Identity{Username: goname.New(goname.FantasyMap).FirstLast() + suffix}
}

func decodeAssertion(ctx context.Context, raw string, cfg *config.Config) (types.Identity, error) {
	cl := claims{}
	if cfg.AuthConfig.OIDCConfig.ProviderUrl != "" {
		provider, err := oidc.NewProvider(ctx, cfg.AuthConfig.OIDCConfig.ProviderUrl)
		if err != nil {
			return types.Identity{}, err
		}
		conf := oidc.Config{}
		if cfg.AuthConfig.OIDCConfig.ClientId == "" {
			conf.SkipClientIDCheck = true
		} else {
			conf.ClientID = cfg.AuthConfig.OIDCConfig.ClientId
		}
		idToken, err := provider.Verifier(&conf).Verify(ctx, raw)
		if err != nil {
			return types.Identity{}, err
		}
		if err := idToken.Claims(&cl); err != nil {
			return types.Identity{}, err
		}
	} else {
		// no verifier configured: trust the gateway and decode the claims
		parts := strings.Split(raw, ".")
		if len(parts) != 3 {
			return types.Identity{}, fmt.Errorf("assertion is not a JWT")
		}
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err != nil {
			return types.Identity{}, err
		}
		if err := json.Unmarshal(payload, &cl); err != nil {
			return types.Identity{}, err
		}
	}
	name := cl.Name
	if name == "" {
		name = cl.Email
	}
	subject := cl.Sub
	if subject == "" {
		subject = cl.Email
	}
	return types.Identity{Username: name, Picture: cl.Picture, Subject: subject}, nil
}
