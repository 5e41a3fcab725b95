package sipclient

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// defaultExpiry is the registration lifetime requested from the server.
const defaultExpiry = 300

// sendRegister sends a REGISTER with digest auth handling and returns the
// server-granted expiry in seconds. Pass expiry 0 to unregister.
func (c *client) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := fmt.Sprintf("sip:%s", c.cfg.Server)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(c.cfg.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", c.authUser(), recipient.Host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact",
		fmt.Sprintf("<sip:%s@%s>", c.authUser(), c.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := c.sipClient.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		res, err = c.answerChallenge(ctx, req, res, recipientStr)
		if err != nil {
			return 0, err
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// Per RFC 3261 §10.2.4 the registrar may shorten the requested expiry.
	// The Contact expires param wins over the Expires header.
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// answerChallenge retries a challenged request with digest credentials.
func (c *client) answerChallenge(ctx context.Context, req *sip.Request, res *sip.Response, uri string) (*sip.Response, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: c.authUser(),
		Password: c.authPassword(),
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := c.sipClient.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("sending authenticated request: %w", err)
	}
	defer tx.Terminate()

	authRes, err := getResponse(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for authenticated response: %w", err)
	}
	return authRes, nil
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:user@host>;expires=3600. Returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value. Returns 0 on failure.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}
