package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/hubsync/internal/providers/aws/common"
	"github.com/pankaj-dahiya-devops/hubsync/internal/providers/aws/findings"
	"github.com/pankaj-dahiya-devops/hubsync/internal/store"
)

// doctorCheckTimeout bounds each network probe.
const doctorCheckTimeout = 20 * time.Second

// DoctorResult is the structured output of hubsync doctor. It can be
// serialised to JSON via --format=json or rendered as text (default).
type DoctorResult struct {
	AWS struct {
		Profile     string `json:"profile,omitempty"`
		Credentials bool   `json:"credentials_ok"`
		AccountID   string `json:"account_id,omitempty"`
		RegionsOK   bool   `json:"regions_ok"`
		Regions     int    `json:"regions,omitempty"`
		Error       string `json:"error,omitempty"`
	} `json:"aws"`

	SecurityHub struct {
		Region    string `json:"region,omitempty"`
		Reachable bool   `json:"reachable"`
		Error     string `json:"error,omitempty"`
	} `json:"security_hub"`

	Database struct {
		Driver    string `json:"driver"`
		Reachable bool   `json:"reachable"`
		Error     string `json:"error,omitempty"`
	} `json:"database"`

	OverallHealthy bool `json:"overall_healthy"`
}

// dbCheck opens the store and pings it.
type dbCheck func(ctx context.Context) error

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check AWS credentials, Security Hub access and the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			setupLogger(cmd, cfg)

			profile, _ := cmd.Flags().GetString("profile")
			if profile == "" {
				profile = cfg.AWS.Profile
			}

			db := func(ctx context.Context) error {
				st, err := store.Open(ctx, cfg.Database)
				if err != nil {
					return err
				}
				defer st.Close()
				return st.Ping(ctx)
			}

			result, err := runDoctor(
				cmd.Context(),
				common.NewDefaultAWSClientProvider(cfg.AWS.Region),
				findings.NewHubClient,
				cfg.Database.Driver,
				db,
				cmd.OutOrStdout(),
				format,
				profile,
			)
			if err != nil {
				return err
			}
			if !result.OverallHealthy {
				// Exit directly so no error text reaches main's stderr path.
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().String("format", "table", `Output format: "table" or "json"`)
	cmd.Flags().String("profile", "", "AWS profile to use (default: aws.profile from config)")
	return cmd
}

// runDoctor collects all diagnostic results, renders them to w in the
// requested format, and returns the result.
// The returned error covers only rendering failures. Callers inspect
// result.OverallHealthy to decide the exit status.
func runDoctor(
	ctx context.Context,
	awsProvider common.AWSClientProvider,
	hub findings.HubClientFactory,
	driver string,
	db dbCheck,
	w io.Writer,
	format, profile string,
) (DoctorResult, error) {
	result := collectDoctorResult(ctx, awsProvider, hub, driver, db, profile)

	switch format {
	case "json":
		if err := json.NewEncoder(w).Encode(result); err != nil {
			return result, fmt.Errorf("encode doctor result: %w", err)
		}
	default:
		renderDoctorTable(result, w)
	}
	return result, nil
}

// collectDoctorResult runs every check and populates a DoctorResult.
func collectDoctorResult(
	ctx context.Context,
	awsProvider common.AWSClientProvider,
	hub findings.HubClientFactory,
	driver string,
	db dbCheck,
	profile string,
) DoctorResult {
	var result DoctorResult

	// AWS: credentials, STS account ID, region discovery, then one
	// GetFindings call in the home region.
	result.AWS.Profile = profile
	checkCtx, cancel := context.WithTimeout(ctx, doctorCheckTimeout)
	defer cancel()

	profileCfg, err := awsProvider.LoadProfile(checkCtx, profile)
	if err != nil {
		result.AWS.Error = err.Error()
		result.SecurityHub.Error = "skipped"
	} else {
		result.AWS.Credentials = true
		result.AWS.AccountID = profileCfg.AccountID

		regions, err := awsProvider.GetActiveRegions(checkCtx, profileCfg)
		if err != nil {
			result.AWS.Error = err.Error()
		} else {
			result.AWS.RegionsOK = true
			result.AWS.Regions = len(regions)
		}

		result.SecurityHub.Region = profileCfg.Region
		client := hub(awsProvider.ConfigForRegion(profileCfg, profileCfg.Region))
		_, err = client.GetFindings(checkCtx, &securityhub.GetFindingsInput{MaxResults: aws.Int32(1)})
		if err != nil {
			result.SecurityHub.Error = err.Error()
		} else {
			result.SecurityHub.Reachable = true
		}
	}

	result.Database.Driver = driver
	if err := db(checkCtx); err != nil {
		result.Database.Error = err.Error()
	} else {
		result.Database.Reachable = true
	}

	result.OverallHealthy = result.AWS.Credentials &&
		result.AWS.RegionsOK &&
		result.SecurityHub.Reachable &&
		result.Database.Reachable

	return result
}

// renderDoctorTable writes the human-readable diagnostic output to w.
func renderDoctorTable(result DoctorResult, w io.Writer) {
	fmt.Fprintln(w, "Environment Diagnostics")

	if result.AWS.Profile != "" {
		fmt.Fprintf(w, "\nAWS (profile: %s):\n", result.AWS.Profile)
	} else {
		fmt.Fprintln(w, "\nAWS:")
	}
	if !result.AWS.Credentials {
		doctorPrint(w, "Credentials", "FAIL", result.AWS.Error)
		doctorPrint(w, "STS Identity", "FAIL", "skipped")
		doctorPrint(w, "Regions API", "FAIL", "skipped")
	} else {
		doctorPrint(w, "Credentials", "OK", "")
		doctorPrint(w, "STS Identity", "OK", "Account: "+result.AWS.AccountID)
		if result.AWS.RegionsOK {
			doctorPrint(w, "Regions API", "OK", fmt.Sprintf("%d enabled", result.AWS.Regions))
		} else {
			doctorPrint(w, "Regions API", "FAIL", result.AWS.Error)
		}
	}

	fmt.Fprintln(w, "\nSecurity Hub:")
	if result.SecurityHub.Reachable {
		doctorPrint(w, "GetFindings", "OK", result.SecurityHub.Region)
	} else {
		doctorPrint(w, "GetFindings", "FAIL", result.SecurityHub.Error)
	}

	fmt.Fprintf(w, "\nDatabase (%s):\n", result.Database.Driver)
	if result.Database.Reachable {
		doctorPrint(w, "Connection", "OK", "")
	} else {
		doctorPrint(w, "Connection", "FAIL", result.Database.Error)
	}
}

// doctorPrint writes a single diagnostic check line to w.
// When detail is non-empty it is appended in parentheses.
func doctorPrint(w io.Writer, label, status, detail string) {
	if detail != "" {
		fmt.Fprintf(w, "  %s: %s (%s)\n", label, status, detail)
	} else {
		fmt.Fprintf(w, "  %s: %s\n", label, status)
	}
}
