// Package handlers contains reusable HTTP building blocks for the points API:
// health checks and request middleware.
//
// # Health Checks
//
// Checks run in parallel, each under its own timeout:
//
//	checker := handlers.NewCompositeHealthChecker("0.1.0")
//	checker.AddCheck("postgres", handlers.NewPingCheck(conn))
//	checker.AddCheck("redis", handlers.NewPingCheck(cache))
//	checker.AddCheck("postgres_breaker", handlers.NewBreakerCheck(dbBreaker))
//
// # Rate Limiting
//
// RateLimiter keeps a golang.org/x/time/rate token bucket per client address:
//
//	limiter := handlers.NewRateLimiter(20, 40)
//	go limiter.Run(ctx, time.Minute)
//	h = limiter.Middleware(writeTooMany)(h)
package handlers
