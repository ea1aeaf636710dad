// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package redisutil opens verified redis connections from addresses or
// redis:// urls.
package redisutil

import (
	"context"
	"net/url"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
)

// Error is the redisutil error class.
var Error = errs.Class("redis")

// Config is the connection configuration shared by all services.
type Config struct {
	Address  string `help:"redis host:port" default:"localhost:6379"`
	Password string `help:"redis password" default:""`
	DB       int    `help:"redis database number" default:"0"`
}

// Open returns a connected client, verifying the connection with a ping.
func Open(ctx context.Context, config Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, Error.New("ping failed: %v", err)
	}
	return client, nil
}

// OpenFrom returns a connected client from a redis:// formatted address.
func OpenFrom(ctx context.Context, address string) (*redis.Client, error) {
	redisurl, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if redisurl.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address")
	}

	q := redisurl.Query()
	db := 0
	if q.Get("db") != "" {
		db, err = strconv.Atoi(q.Get("db"))
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	return Open(ctx, Config{
		Address:  redisurl.Host,
		Password: q.Get("password"),
		DB:       db,
	})
}
