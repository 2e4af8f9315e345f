package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the worker process startup banner
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("JOBQUEUE WORKER")
	b.PrintCenteredText("Asynchronous Job Processing Core")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 18)
	b.PrintKeyValue("Environment", config.Environment, 18)
	b.PrintKeyValue("Mongo Database", config.Mongo.Database, 18)
	b.PrintKeyValue("Max Workers", fmt.Sprintf("%d", config.Worker.MaxConcurrentWorkers), 18)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("environment", config.Environment).
		Str("mongo_database", config.Mongo.Database).
		Int("max_concurrent_workers", config.Worker.MaxConcurrentWorkers).
		Bool("worker_active", config.Worker.Active).
		Bool("admin_sweep_enabled", config.Processing.Enabled).
		Bool("websocket_enabled", config.WebSocket.Enabled).
		Msg("worker started")

	printCapabilities(config, logger)
	fmt.Printf("\n")
}

// printCapabilities displays which optional subsystems are active
func printCapabilities(config *Config, logger arbor.ILogger) {
	fmt.Printf("Enabled features:\n")

	enabled := []string{}
	if config.Worker.Active {
		fmt.Printf("   - worker manager (%d concurrent)\n", config.Worker.MaxConcurrentWorkers)
		enabled = append(enabled, "worker")
	}
	if config.Processing.Enabled {
		fmt.Printf("   - administrative maintenance sweep (%s)\n", config.Processing.Schedule)
		enabled = append(enabled, "admin_sweep")
	}
	if config.WebSocket.Enabled {
		fmt.Printf("   - websocket stats broadcaster (%s)\n", config.WebSocket.Path)
		enabled = append(enabled, "websocket")
	}

	logger.Info().Strs("enabled_features", enabled).Msg("active subsystems")
}

// PrintShutdownBanner displays the worker process shutdown banner
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("JOBQUEUE WORKER")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("worker shutting down")
}

// PrintColorizedMessage prints a message with specified color; it does not log (the logger argument is unused)
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints a success message in green and logs it
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("✓ %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints an error message in red and logs it
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("✗ %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints a warning message in yellow and logs it
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("⚠ %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}

// PrintInfo prints an info message in cyan and logs it
func PrintInfo(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorCyan, fmt.Sprintf("ℹ %s", message), logger)
	logger.Info().Str("type", "info").Msg(message)
}
