/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sql

import (
	"crypto/rand"
	dbsql "database/sql"
	"encoding/base64"

	"golang.org/x/crypto/pbkdf2"

	"github.com/xmppcore/xmppd/router"
)

const pbkdf2Iterations = 4096

// Bind and Unbind have nothing to persist for auth itself; they exist
// to satisfy hook.AuthHook and as the extension point a deployment can
// override (e.g. to record a last-login timestamp).
func (h *Hooks) Bind(stm router.C2S)   {}
func (h *Hooks) Unbind(stm router.C2S) {}

func (h *Hooks) GetWebUserUsername(user string) (string, error) {
	var username string
	err := h.builder.Select("username").From("web_sessions").
		Where(squirrelEq("web_user", user)).QueryRow().Scan(&username)
	if err == dbsql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errSQLStorage
	}
	return username, nil
}

func (h *Hooks) GetWebUserByUsername(name string) (string, error) {
	var webUser string
	err := h.builder.Select("web_user").From("web_sessions").
		Where(squirrelEq("username", name)).QueryRow().Scan(&webUser)
	if err == dbsql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errSQLStorage
	}
	return webUser, nil
}

func (h *Hooks) CheckWebUser(stm router.C2S, webUser, username string) (bool, error) {
	got, err := h.GetWebUserUsername(webUser)
	if err != nil {
		return false, err
	}
	return got != "" && got == username, nil
}

func (h *Hooks) CheckToken(stm router.C2S, username, token string) (bool, error) {
	var hash string
	err := h.builder.Select("token_hash").From("session_tokens").
		Where(squirrelEq("username", username)).QueryRow().Scan(&hash)
	if err == dbsql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errSQLStorage
	}
	return hash == sha256Hex(token), nil
}

// CheckPassword verifies password against the SHA-256 salted-hash
// credential row (the same row ScramCredential derives SCRAM-SHA-256
// keys from), so a single CreateUser call backs both PLAIN and SCRAM.
func (h *Hooks) CheckPassword(stm router.C2S, username, password string) (bool, error) {
	saltedPassword, salt, iterations, ok, err := h.ScramCredential(username, true)
	if err != nil || !ok {
		return false, err
	}
	candidate := pbkdf2.Key([]byte(password), salt, iterations, len(saltedPassword), sha256New)
	return constantTimeEqual(candidate, saltedPassword), nil
}

func (h *Hooks) ValidContact(name string) (bool, error) {
	return h.accountExists(name)
}

// AccountExists implements router.AccountChecker.
func (h *Hooks) AccountExists(username string) (bool, error) { return h.accountExists(username) }

func (h *Hooks) accountExists(username string) (bool, error) {
	var count int
	err := h.builder.Select("COUNT(*)").From("users").
		Where(squirrelEq("username", username)).QueryRow().Scan(&count)
	if err != nil {
		return false, errSQLStorage
	}
	return count > 0, nil
}

// ScramCredential implements auth.CredentialStore. CreateUser persists a
// salted hash under both PBKDF2-SHA-1 and PBKDF2-SHA-256 up front (they
// need independent keys — a SHA-256 salted hash can't be turned back
// into the SHA-1 one without the original password), so either SCRAM
// variant resolves with a single row read.
func (h *Hooks) ScramCredential(username string, usesSHA256 bool) (saltedPassword, salt []byte, iterations int, ok bool, err error) {
	column := "salted_password_sha1"
	if usesSHA256 {
		column = "salted_password_sha256"
	}
	var saltB64, hashB64 string
	var iters int
	qerr := h.builder.Select("salt", column, "iterations").From("credentials").
		Where(squirrelEq("username", username)).QueryRow().Scan(&saltB64, &hashB64, &iters)
	if qerr == dbsql.ErrNoRows {
		return nil, nil, 0, false, nil
	}
	if qerr != nil {
		return nil, nil, 0, false, errSQLStorage
	}
	salt, err = base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, nil, 0, false, errSQLStorage
	}
	saltedPassword, err = base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return nil, nil, 0, false, errSQLStorage
	}
	return saltedPassword, salt, iters, true, nil
}

func (h *Hooks) CreateUser(username, password string) error {
	salt, sha1Hash, sha256Hash, err := deriveCredential(password)
	if err != nil {
		return err
	}
	_, err = h.builder.Insert("credentials").
		Columns("username", "salt", "salted_password_sha1", "salted_password_sha256", "iterations").
		Values(username, salt, sha1Hash, sha256Hash, pbkdf2Iterations).Exec()
	if err != nil {
		return errSQLStorage
	}
	_, err = h.builder.Insert("users").Columns("username").Values(username).Exec()
	if err != nil {
		return errSQLStorage
	}
	return nil
}

func (h *Hooks) ChangePassword(username, password string) error {
	salt, sha1Hash, sha256Hash, err := deriveCredential(password)
	if err != nil {
		return err
	}
	_, err = h.builder.Update("credentials").
		Set("salt", salt).
		Set("salted_password_sha1", sha1Hash).
		Set("salted_password_sha256", sha256Hash).
		Set("iterations", pbkdf2Iterations).
		Where(squirrelEq("username", username)).Exec()
	if err != nil {
		return errSQLStorage
	}
	return nil
}

// deriveCredential computes base64-encoded salt and both SCRAM salted-
// password variants for a freshly supplied cleartext password.
func deriveCredential(password string) (saltB64, sha1B64, sha256B64 string, err error) {
	salt := make([]byte, 16)
	if _, rerr := rand.Read(salt); rerr != nil {
		return "", "", "", errSQLStorage
	}
	sha1Hash := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 20, sha1New)
	sha256Hash := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256New)
	return base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(sha1Hash),
		base64.StdEncoding.EncodeToString(sha256Hash),
		nil
}

func (h *Hooks) DeleteUser(username string) error {
	_, err := h.builder.Delete("users").Where(squirrelEq("username", username)).Exec()
	if err != nil {
		return errSQLStorage
	}
	return nil
}
