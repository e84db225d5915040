package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CleanupService periodically sweeps expired short-lived state: challenges,
// used-token index rows, step-up grants and OAuth requests/codes. Sessions
// are never swept; revocation keeps them for audit.
type CleanupService struct {
	challenges *ChallengeService
	sessions   *SessionService
	stepUp     *StepUpService
	oauth      *OAuthService
	interval   time.Duration
	logger     *zap.Logger
	stop       chan struct{}
	done       chan struct{}
}

// NewCleanupService creates a new CleanupService
func NewCleanupService(challenges *ChallengeService, sessions *SessionService, stepUp *StepUpService, oauth *OAuthService, interval time.Duration, logger *zap.Logger) *CleanupService {
	return &CleanupService{
		challenges: challenges,
		sessions:   sessions,
		stepUp:     stepUp,
		oauth:      oauth,
		interval:   interval,
		logger:     logger.Named("cleanup-service"),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the background sweep loop
func (s *CleanupService) Start() {
	go s.run()
}

// Stop terminates the sweep loop and waits for it to finish
func (s *CleanupService) Stop() {
	close(s.stop)
	<-s.done
}

func (s *CleanupService) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *CleanupService) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.challenges.DeleteExpired(ctx); err != nil {
		s.logger.Error("Failed to sweep challenges", zap.Error(err))
	}
	if err := s.sessions.DeleteExpiredUsedTokens(ctx); err != nil {
		s.logger.Error("Failed to sweep used tokens", zap.Error(err))
	}
	if err := s.stepUp.DeleteExpired(ctx); err != nil {
		s.logger.Error("Failed to sweep step-up grants", zap.Error(err))
	}
	if err := s.oauth.DeleteExpired(ctx); err != nil {
		s.logger.Error("Failed to sweep oauth state", zap.Error(err))
	}
}
