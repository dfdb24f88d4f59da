package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Credentials struct {
	Password string `json:"password"`
	Username string `json:"username"`
}

type Claims struct {
	UID string `json:"uid"`
	jwt.RegisteredClaims
}

// userid -> token, err
func (s *Server) signJWT(claim Claims) (string, error) {
	claim.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour * 24 * 30))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claim)
	return token.SignedString(s.secret)
}

// token -> userid, ok
func (s *Server) parseJWT(token string) (string, bool) {
	parsedToken, err := jwt.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", false
	}

	if claim, ok := parsedToken.Claims.(*Claims); ok && parsedToken.Valid {
		return claim.UID, true
	}
	return "", false
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	reqBody, _ := io.ReadAll(r.Body)
	var user Credentials
	if json.Unmarshal(reqBody, &user) != nil {
		http.Error(w, "Bad format", http.StatusForbidden)
		return
	}

	filter := bson.D{{Key: "username", Value: user.Username}, {Key: "password", Value: user.Password}}
	res := s.users.FindOne(context.TODO(), filter)

	if res.Err() == nil {
		token, _ := s.signJWT(Claims{UID: user.Username})
		fmt.Fprint(w, token)
	} else {
		http.Error(w, "Invalid credentials", http.StatusForbidden)
	}
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	reqBody, _ := io.ReadAll(r.Body)
	var user Credentials
	if json.Unmarshal(reqBody, &user) != nil {
		http.Error(w, "Bad format", http.StatusForbidden)
		return
	}

	filter := bson.D{{Key: "username", Value: user.Username}}
	update := bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "password", Value: user.Password}}}}
	opts := options.Update().SetUpsert(true)

	res, err := s.users.UpdateOne(context.TODO(), filter, update, opts)
	if err != nil {
		http.Error(w, "Storage error", http.StatusInternalServerError)
		return
	}

	if res.UpsertedCount != 0 {
		token, _ := s.signJWT(Claims{UID: user.Username})
		fmt.Fprint(w, token)
	} else {
		http.Error(w, "Already exists", http.StatusForbidden)
	}
}

// authenticate resolves the editing identity for a ws handshake.
// Browsers cannot set headers on websocket upgrades, so the token
// rides the query string.
func (s *Server) authenticate(r *http.Request) (string, bool) {
	if s.users == nil {
		// no identity provider configured: trust the claimed id
		if uid := r.URL.Query().Get("clientId"); uid != "" {
			return uid, true
		}
		return "", false
	}
	return s.parseJWT(r.URL.Query().Get("token"))
}
