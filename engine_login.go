package authcore

import (
	"context"
	"errors"
	"net/http"

	"github.com/credimobile/authcore/retry"
	"github.com/credimobile/authcore/token"
)

// loginBody is the credential payload POSTed to the login path.
type loginBody struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	Application    string `json:"application"`
	IsCheckVersion bool   `json:"isCheckVersion"`
}

// Login authenticates against the identity service, decrypts the returned
// token, persists the session, and transitions to Authenticated. Network
// and transient server failures are retried under the login policy;
// credential failures surface immediately.
func (e *Engine) Login(ctx context.Context, username, password string) (*AuthTokenData, error) {
	if username == "" || password == "" {
		err := newError(KindValidation, "login", "username and password are required", nil)
		e.recordLogin(ctx, false, "", err)
		return nil, err
	}

	var opaque string
	result := e.retryExec.Do(ctx, func(ctx context.Context) error {
		s, err := e.loginOnce(ctx, username, password)
		if err != nil {
			return err
		}
		opaque = s
		return nil
	}, e.config.Retry.Login, retry.NetworkAware)

	if result.Attempts > 1 {
		for i := 1; i < result.Attempts; i++ {
			e.metricInc(MetricLoginRetried)
		}
	}
	if !result.Success {
		e.recordLogin(ctx, false, "", result.Err)
		return nil, result.Err
	}

	data, err := e.adoptToken(ctx, opaque, false)
	if err != nil {
		e.recordLogin(ctx, false, "", err)
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	if e.monitor != nil {
		e.monitor.RecordLoginAttempt(true)
	}
	e.emitAudit(ctx, "login_success", AuditInfo, true, data.UserID, data.SessionID(), nil, func() map[string]string {
		return map[string]string{"username": username}
	})
	return data, nil
}

func (e *Engine) loginOnce(ctx context.Context, username, password string) (string, error) {
	env, err := e.doJSON(ctx, http.MethodPost, e.config.Endpoints.LoginPath, loginBody{
		Username:       username,
		Password:       password,
		Application:    e.config.Endpoints.Application,
		IsCheckVersion: false,
	}, true)
	if err != nil {
		return "", err
	}

	opaque, err := env.dataString()
	if err != nil || opaque == "" {
		return "", newError(KindServer, "login", "server response did not carry a session token", err)
	}
	return opaque, nil
}

// adoptToken decrypts an opaque token and persists it, either as a fresh
// session or as a refresh-path update.
func (e *Engine) adoptToken(ctx context.Context, opaque string, isRefresh bool) (*AuthTokenData, error) {
	op := "login"
	if isRefresh {
		op = "refresh"
	}

	data, err := e.tokens.Decrypt(opaque)
	if err != nil {
		if e.monitor != nil {
			e.monitor.RecordValidationFailure(op)
		}
		switch {
		case errors.Is(err, token.ErrExpired):
			e.metricInc(MetricTokenExpired)
			return nil, newError(KindTokenExpired, op, "session token has expired", err)
		default:
			e.metricInc(MetricTokenDecryptFailure)
			return nil, newError(KindTokenDecryption, op, "session token could not be processed", err)
		}
	}
	if !e.tokens.ValidateStructure(data) {
		if e.monitor != nil {
			e.monitor.RecordValidationFailure(op)
		}
		e.metricInc(MetricTokenDecryptFailure)
		return nil, newError(KindTokenDecryption, op, "session token payload is incomplete", nil)
	}

	if isRefresh {
		err = e.sessions.UpdateSession(ctx, opaque, data)
	} else {
		err = e.sessions.StoreSession(ctx, opaque, data)
	}
	if err != nil {
		return nil, newError(KindDataCorruption, op, "session could not be persisted", err)
	}

	rec, err := e.sessions.Load(ctx)
	if err != nil || rec == nil {
		return nil, newError(KindDataCorruption, op, "session could not be read back after persisting", err)
	}
	e.setCached(rec)
	return data, nil
}

// recordLogin feeds a failed login into the monitor and telemetry.
func (e *Engine) recordLogin(ctx context.Context, success bool, userID string, cause error) {
	e.metricInc(MetricLoginFailure)
	if e.monitor != nil {
		e.monitor.RecordLoginAttempt(success)
	}
	e.emitAudit(ctx, "login_failure", AuditMedium, success, userID, "", cause, func() map[string]string {
		return map[string]string{"kind": KindOf(cause).String()}
	})
}
