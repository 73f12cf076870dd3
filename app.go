package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	config "lunchrun/app/configs"
	"lunchrun/app/core/aggregate"
	"lunchrun/app/core/collaborators/extractor"
	"lunchrun/app/core/collaborators/gforms"
	"lunchrun/app/core/collaborators/notify"
	"lunchrun/app/core/collaborators/places"
	"lunchrun/app/core/orchestrator/agent"
	"lunchrun/app/core/orchestrator/conversation"
	"lunchrun/app/core/orchestrator/db"
	"lunchrun/app/core/orchestrator/deadline"
	"lunchrun/app/core/orchestrator/handlers"
	"lunchrun/app/core/orchestrator/router"
	"lunchrun/app/core/orchestrator/schedule"
	"lunchrun/app/core/scheduler"
	"lunchrun/app/pkg/logger"
	"lunchrun/app/service/observability"
	"lunchrun/app/service/runtime"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// application holds every long-lived component built from one config.
type application struct {
	cfg           config.Config
	database      *db.DB
	conversations *conversation.Store
	tasks         *schedule.Service
	agent         *agent.DefaultAgent
	jobs          *scheduler.Scheduler
	tracing       *sdktrace.TracerProvider
}

func newApplication(ctx context.Context, cfg config.Config) (*application, error) {
	app := &application{cfg: cfg}
	app.tracing = observability.InitTracing(observability.TracingOptions{
		SampleRatio: cfg.Log.TraceSampleRatio,
		SlowSpan:    time.Duration(cfg.Log.SlowSpanMs) * time.Millisecond,
	})

	database, err := db.NewSQLiteDB(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	app.database = database

	if app.conversations, err = conversation.NewStore(database.Conn()); err != nil {
		app.close()
		return nil, err
	}
	taskStore, err := schedule.NewStore(database.Conn())
	if err != nil {
		app.close()
		return nil, err
	}

	parser, err := deadline.New(cfg.Agent.Timezone)
	if err != nil {
		app.close()
		return nil, err
	}
	rt, err := router.New(cfg.Routing.Priority)
	if err != nil {
		app.close()
		return nil, err
	}

	timeout := time.Duration(cfg.Collaborators.TimeoutSec) * time.Second
	sheets := buildForms(ctx, cfg)

	var fetcher schedule.ResponseFetcher
	var creator handlers.ArtifactCreator
	if sheets != nil {
		fetcher, creator = sheets, sheets
	}

	app.tasks = schedule.NewService(taskStore, fetcher, buildNotifier(cfg), schedule.Options{
		BatchSize:    cfg.Schedule.BatchSize,
		Workers:      cfg.Schedule.Workers,
		MaxAttempts:  cfg.Schedule.MaxAttempts,
		ClaimLease:   time.Duration(cfg.Schedule.ClaimLeaseSec) * time.Second,
		RetryDelay:   time.Duration(cfg.Schedule.RetryDelaySec) * time.Second,
		RemindBefore: time.Duration(cfg.Schedule.RemindBeforeMin) * time.Minute,
		CallTimeout:  timeout,
		Fields: aggregate.Fields{
			Choice: cfg.Schedule.ChoiceField,
			Name:   cfg.Schedule.NameField,
			Email:  cfg.Schedule.EmailField,
		},
		Location: parser.Location(),
	})

	table := handlers.NewTable(handlers.Deps{
		Searcher:  buildSearcher(cfg),
		Artifacts: creator,
		Deadlines: parser,
		Tasks:     app.tasks,
		Targets: schedule.Targets{
			PushTargets: cfg.Notify.PushTargets,
			Emails:      cfg.Notify.ExtraEmails,
		},
		DefaultOptions: cfg.Artifact.DefaultOptions,
		SearchLimit:    cfg.Search.Limit,
		Timeout:        timeout,
	})

	app.agent = agent.NewAgent(app.conversations, buildExtractor(ctx, cfg), rt, table, agent.Options{
		Name:           cfg.Agent.Name,
		ExtractTimeout: timeout,
	})
	return app, nil
}

// startJobs runs the due-task poller, reminders and stale-claim recovery.
func (a *application) startJobs(ctx context.Context) error {
	a.jobs = scheduler.New()
	if err := runtime.RegisterTaskJobs(a.jobs, a.tasks, runtime.TaskJobOptions{
		PollInterval:   time.Duration(a.cfg.Schedule.PollIntervalSec) * time.Second,
		Timeout:        time.Duration(a.cfg.Schedule.ClaimLeaseSec) * time.Second,
		RemindersOn:    a.cfg.Schedule.RemindBeforeMin > 0,
		RecoverOnStart: true,
	}); err != nil {
		return err
	}
	return a.jobs.Start(ctx)
}

func (a *application) close() {
	if a.jobs != nil {
		if err := a.jobs.Stop(3 * time.Second); err != nil {
			logger.L().Warn("[Main] scheduler shutdown timeout", zap.Error(err))
		}
	}
	if a.database != nil {
		if err := a.database.Close(); err != nil {
			logger.L().Warn("[Main] close database", zap.Error(err))
		}
	}
	if a.tracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.tracing.Shutdown(shutdownCtx)
	}
}

// The builders below return nil when a collaborator has no credentials.
// Turns that need it then answer with an apology instead of failing.

func buildExtractor(ctx context.Context, cfg config.Config) agent.Extractor {
	var (
		completer extractor.Completer
		err       error
	)
	switch cfg.Extractor.Provider {
	case "gemini":
		var g *extractor.Gemini
		if g, err = extractor.NewGemini(ctx, cfg.Extractor.APIKey, cfg.Extractor.Model); err == nil {
			completer = g
		}
	default:
		var o *extractor.OpenAI
		if o, err = extractor.NewOpenAI(cfg.Extractor.APIKey, cfg.Extractor.BaseURL, cfg.Extractor.Model); err == nil {
			completer = o
		}
	}
	if err != nil {
		logger.L().Warn("[Main] extractor disabled", zap.String("provider", cfg.Extractor.Provider), zap.Error(err))
		return nil
	}
	return extractor.New(completer, cfg.Extractor.ContextMessages)
}

func buildSearcher(cfg config.Config) handlers.Searcher {
	s, err := places.New(places.Config{
		APIKey:          cfg.Search.APIKey,
		DefaultLocation: cfg.Search.DefaultLocation,
		RadiusMeters:    cfg.Search.RadiusMeters,
		Language:        cfg.Search.Language,
	})
	if err != nil {
		logger.L().Warn("[Main] restaurant search disabled", zap.Error(err))
		return nil
	}
	return s
}

func buildForms(ctx context.Context, cfg config.Config) *gforms.Client {
	file := strings.TrimSpace(cfg.Artifact.CredentialsFile)
	if file == "" {
		logger.L().Warn("[Main] order forms disabled: no google credentials file")
		return nil
	}
	client, err := gforms.New(ctx, gforms.Questions{
		Name:   cfg.Artifact.NameQuestion,
		Email:  cfg.Artifact.EmailQuestion,
		Choice: cfg.Artifact.ChoiceQuestion,
		Notes:  cfg.Artifact.NotesQuestion,
	}, option.WithCredentialsFile(file))
	if err != nil {
		logger.L().Warn("[Main] order forms disabled", zap.Error(err))
		return nil
	}
	return client
}

func buildNotifier(cfg config.Config) *notify.Notifier {
	var pusher notify.Pusher
	if token := strings.TrimSpace(cfg.Notify.LineToken); token != "" {
		pusher = notify.NewLine(notify.LineConfig{
			Token:      token,
			APIRoot:    cfg.Notify.LineAPIRoot,
			RatePerSec: cfg.Notify.PushRatePerSec,
		})
	} else {
		logger.L().Warn("[Main] LINE push disabled: no channel access token")
	}

	var mailer notify.Mailer
	if smtp := cfg.Notify.SMTP; strings.TrimSpace(smtp.Host) != "" {
		mailer = notify.NewSMTP(notify.SMTPConfig{
			Host:     smtp.Host,
			Port:     smtp.Port,
			Username: smtp.Username,
			Password: smtp.Password,
			From:     smtp.From,
		})
	} else {
		logger.L().Warn("[Main] email disabled: no smtp host")
	}
	return notify.New(pusher, mailer)
}
