package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomctl/loom/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Loom configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/loom/config.yaml
Project-specific overrides can be placed in .loom.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	// Mask API key if set
	apiKeyDisplay := "(not set)"
	if cfg.Anthropic.APIKey != "" {
		apiKeyDisplay = "****"
	}

	fmt.Printf("anthropic.api_key: %s\n", apiKeyDisplay)
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("anthropic.use_bedrock: %t\n", cfg.Anthropic.UseBedrock)
	fmt.Printf("rounds.default: %d\n", cfg.Rounds.Default)
	fmt.Printf("rounds.cap: %d\n", cfg.Rounds.Cap)
	fmt.Printf("rounds.use_complexity: %t\n", cfg.Rounds.UseComplexity)
	fmt.Printf("timeouts.worker: %s\n", cfg.Timeouts.Worker)
	fmt.Printf("store.data_dir: %s\n", cfg.Store.DataDir)
	fmt.Printf("evaluator.max_new_nodes: %d\n", cfg.Evaluator.MaxNewNodes)
	fmt.Printf("evaluator.max_spawn_depth: %d\n", cfg.Evaluator.MaxSpawnDepth)
	fmt.Printf("roles.allowlist_path: %s\n", cfg.Roles.AllowlistPath)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		if cfg.Anthropic.APIKey == "" {
			return "(not set)", nil
		}
		return "****", nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "rounds.default":
		return strconv.Itoa(cfg.Rounds.Default), nil
	case "rounds.cap":
		return strconv.Itoa(cfg.Rounds.Cap), nil
	case "rounds.use_complexity":
		return strconv.FormatBool(cfg.Rounds.UseComplexity), nil
	case "timeouts.worker":
		return cfg.Timeouts.Worker.String(), nil
	case "store.data_dir":
		return cfg.Store.DataDir, nil
	case "evaluator.max_new_nodes":
		return strconv.Itoa(cfg.Evaluator.MaxNewNodes), nil
	case "evaluator.max_spawn_depth":
		return strconv.Itoa(cfg.Evaluator.MaxSpawnDepth), nil
	case "roles.allowlist_path":
		return cfg.Roles.AllowlistPath, nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		cfg.Anthropic.APIKey = value
	case "anthropic.model":
		cfg.Anthropic.Model = value
	case "anthropic.use_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_bedrock: %w", err)
		}
		cfg.Anthropic.UseBedrock = b
	case "rounds.default":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for rounds.default: %w", err)
		}
		if n < 1 || n > config.AbsoluteRoundCap {
			return fmt.Errorf("rounds.default must be between 1 and %d", config.AbsoluteRoundCap)
		}
		cfg.Rounds.Default = n
	case "rounds.cap":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for rounds.cap: %w", err)
		}
		if n < 1 || n > config.AbsoluteRoundCap {
			return fmt.Errorf("rounds.cap must be between 1 and %d", config.AbsoluteRoundCap)
		}
		cfg.Rounds.Cap = n
	case "rounds.use_complexity":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_complexity: %w", err)
		}
		cfg.Rounds.UseComplexity = b
	case "timeouts.worker":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeouts.worker: %w", err)
		}
		cfg.Timeouts.Worker = d
	case "store.data_dir":
		cfg.Store.DataDir = value
	case "evaluator.max_new_nodes":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_new_nodes: %w", err)
		}
		cfg.Evaluator.MaxNewNodes = n
	case "evaluator.max_spawn_depth":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_spawn_depth: %w", err)
		}
		cfg.Evaluator.MaxSpawnDepth = n
	case "roles.allowlist_path":
		cfg.Roles.AllowlistPath = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
