// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sapcc/lunrgate/internal/logthrottle"
	"github.com/sapcc/lunrgate/internal/lunr"
)

// IdentityRequestsCounter is a prometheus.CounterVec.
var IdentityRequestsCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lunrgate_identity_requests",
		Help: "Counts requests to the identity service, by request type and result.",
	},
	[]string{"request", "result"},
)

func init() {
	prometheus.MustRegister(IdentityRequestsCounter)
}

const maxAttempts = 3

// IdentityClient talks to the v2.0 token API of the identity service.
type IdentityClient struct {
	service    *gophercloud.ServiceClient
	userName   string
	password   string
	Credential *AdminCredential
	log        *logthrottle.Throttler
	sleep      lunr.Sleeper
}

// NewIdentityClient builds an IdentityClient. No requests are made until the
// first token lookup.
func NewIdentityClient(identityURL, userName, password string, log *logthrottle.Throttler) *IdentityClient {
	provider := &gophercloud.ProviderClient{
		// use http.DefaultClient, esp. to pick up the LUNRGATE_INSECURE flag
		HTTPClient: *http.DefaultClient,
	}
	provider.UserAgent.Prepend("lunrgate")

	c := &IdentityClient{
		service: &gophercloud.ServiceClient{
			ProviderClient: provider,
			Endpoint:       strings.TrimSuffix(identityURL, "/") + "/",
			Type:           "identity",
		},
		userName: userName,
		password: password,
		log:      log,
		sleep:    lunr.SleepContext,
	}
	c.Credential = NewAdminCredential(c.login)
	return c
}

// OverrideSleeper replaces the function used for waiting between attempts.
// This is used by tests.
func (c *IdentityClient) OverrideSleeper(sleep lunr.Sleeper) *IdentityClient {
	c.sleep = sleep
	return c
}

// permanentError is returned by an attempt that shall not be retried.
type permanentError struct {
	Inner error
}

func (e permanentError) Error() string { return e.Inner.Error() }
func (e permanentError) Unwrap() error { return e.Inner }

// retry runs the action up to maxAttempts times, sleeping 2^attempt seconds
// in between. onExhausted (if not nil) is called when the last attempt failed.
func (c *IdentityClient) retry(ctx context.Context, requestType string, onExhausted func(), action func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := action(ctx)
		if err == nil {
			countIdentityRequest(requestType, "success")
			return nil
		}
		var perr permanentError
		if errors.As(err, &perr) {
			countIdentityRequest(requestType, "rejected")
			return perr.Inner
		}
		cause := redactIdentityError(err)
		if attempt >= maxAttempts {
			countIdentityRequest(requestType, "failed")
			if onExhausted != nil {
				onExhausted()
			}
			return fmt.Errorf("%s request to identity service failed after %d attempts: %w", requestType, attempt, cause)
		}

		countIdentityRequest(requestType, "retried")
		c.log.Errorf("failed %s request to identity service, attempt %d of %d: %s", requestType, attempt, maxAttempts, cause.Error())
		err = c.sleep(ctx, time.Duration(1<<attempt)*time.Second)
		if err != nil {
			return err
		}
	}
}

// redactIdentityError strips the request URL from errors of the HTTP layer.
// Lookup URLs contain the user token, which must not end up in the log.
func redactIdentityError(err error) error {
	var codeErr gophercloud.ErrUnexpectedResponseCode
	if errors.As(err, &codeErr) {
		return fmt.Errorf("unexpected status %d", codeErr.Actual)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

func countIdentityRequest(requestType, result string) {
	IdentityRequestsCounter.With(prometheus.Labels{"request": requestType, "result": result}).Inc()
}

// login obtains a fresh admin token. This is the fetch function of c.Credential.
func (c *IdentityClient) login(ctx context.Context) (string, error) {
	var reqBody struct {
		Auth struct {
			PasswordCredentials struct {
				UserName string `json:"username"`
				Password string `json:"password"`
			} `json:"passwordCredentials"`
		} `json:"auth"`
	}
	reqBody.Auth.PasswordCredentials.UserName = c.userName
	reqBody.Auth.PasswordCredentials.Password = c.password

	var token string
	err := c.retry(ctx, "login", nil, func(ctx context.Context) error {
		var respBody struct {
			Access struct {
				Token struct {
					ID string `json:"id"`
				} `json:"token"`
			} `json:"access"`
		}
		_, err := c.service.Post(ctx, c.service.ServiceURL("v2.0", "tokens"), reqBody, &respBody, &gophercloud.RequestOpts{
			OkCodes: []int{http.StatusOK, http.StatusNonAuthoritativeInfo},
		})
		if err != nil {
			return err
		}
		if respBody.Access.Token.ID == "" {
			return errors.New("no token ID in login response")
		}
		token = respBody.Access.Token.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("cannot obtain admin token: %w", err)
	}
	c.log.Debugf("obtained new admin token")
	return token, nil
}

// LookupToken validates a user token for the given account. If the identity
// service does not know the token, ErrInvalidToken is returned without retrying.
func (c *IdentityClient) LookupToken(ctx context.Context, token, account string) (TokenInfo, error) {
	uri := c.service.ServiceURL("v2.0", "tokens", url.PathEscape(token)) +
		"?" + url.Values{"belongsTo": {account}}.Encode()

	var (
		info           TokenInfo
		lastAdminToken string
	)
	onExhausted := func() {
		if lastAdminToken != "" {
			c.Credential.Invalidate(lastAdminToken)
		}
	}
	err := c.retry(ctx, "lookup", onExhausted, func(ctx context.Context) error {
		adminToken, err := c.Credential.Get(ctx)
		if err != nil {
			// the login has been retried already
			return permanentError{err}
		}
		lastAdminToken = adminToken

		var respBody lookupResponse
		_, err = c.service.Get(ctx, uri, &respBody, &gophercloud.RequestOpts{
			OkCodes:     []int{http.StatusOK, http.StatusNonAuthoritativeInfo},
			MoreHeaders: map[string]string{"X-Auth-Token": adminToken},
		})
		switch {
		case err == nil:
			info = respBody.TokenInfo()
			return nil
		case gophercloud.ResponseCodeIs(err, http.StatusUnauthorized):
			// our own token has expired
			c.Credential.Invalidate(adminToken)
			return err
		case gophercloud.ResponseCodeIs(err, http.StatusNotFound):
			return permanentError{fmt.Errorf("%w: token not found", ErrInvalidToken)}
		default:
			return err
		}
	})
	return info, err
}
