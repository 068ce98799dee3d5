package remediate

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/alertmesh/backend/internal/core"
)

// SSMExecutor runs runbook commands on a tenant's EC2 fleet through AWS
// Systems Manager. Each instance assumes the tenant's cross-account role
// with their external id, so one service identity never holds standing
// access to customer accounts.
type SSMExecutor struct {
	client *ssm.Client
	logger *log.Logger
}

// NewSSMExecutor builds the executor for one tenant integration.
func NewSSMExecutor(ctx context.Context, integ *core.AWSIntegration) (*SSMExecutor, error) {
	if integ == nil || integ.RoleARN == "" {
		return nil, core.E(core.KindValidation, "tenant has no AWS integration")
	}

	region := integ.Region
	if region == "" {
		region = "us-east-1"
	}

	base, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	stsClient := sts.NewFromConfig(base)
	creds := stscreds.NewAssumeRoleProvider(stsClient, integ.RoleARN, func(o *stscreds.AssumeRoleOptions) {
		if integ.ExternalID != "" {
			o.ExternalID = aws.String(integ.ExternalID)
		}
		o.RoleSessionName = "alertmesh-remediation"
	})
	base.Credentials = aws.NewCredentialsCache(creds)

	return &SSMExecutor{
		client: ssm.NewFromConfig(base),
		logger: log.New(log.Writer(), "[SSM] ", log.LstdFlags),
	}, nil
}

// Execute sends the command batch via AWS-RunShellScript and returns the
// SSM command id.
func (e *SSMExecutor) Execute(ctx context.Context, commands, instanceIDs []string, timeout time.Duration) (string, error) {
	if len(instanceIDs) == 0 {
		return "", core.E(core.KindValidation, "no target instances")
	}

	out, err := e.client.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String("AWS-RunShellScript"),
		InstanceIds:  instanceIDs,
		Parameters: map[string][]string{
			"commands":         commands,
			"executionTimeout": {fmt.Sprintf("%d", int(timeout.Seconds()))},
		},
	})
	if err != nil {
		return "", classifyAWS(err)
	}

	// GetCommandInvocation needs an instance id, so it rides along in the
	// command id the dispatcher stores.
	commandID := fmt.Sprintf("%s@%s", aws.ToString(out.Command.CommandId), instanceIDs[0])
	e.logger.Printf("sent command %s to %d instance(s)", commandID, len(instanceIDs))
	return commandID, nil
}

// Status reads the invocation on the first target instance. SSM fans one
// command out to every instance; the dispatcher treats any non-success as
// run failure, so one invocation is enough to settle the outcome.
func (e *SSMExecutor) Status(ctx context.Context, commandID string) (*Result, error) {
	parts := strings.SplitN(commandID, "@", 2)
	input := &ssm.GetCommandInvocationInput{
		CommandId: aws.String(parts[0]),
	}
	if len(parts) == 2 {
		input.InstanceId = aws.String(parts[1])
	}

	out, err := e.client.GetCommandInvocation(ctx, input)
	if err != nil {
		return nil, classifyAWS(err)
	}

	res := &Result{
		Stdout: aws.ToString(out.StandardOutputContent),
		Stderr: aws.ToString(out.StandardErrorContent),
	}
	switch out.Status {
	case ssmtypes.CommandInvocationStatusSuccess:
		res.Status = core.ExecutionSuccess
		res.FinishedAt = time.Now().Unix()
	case ssmtypes.CommandInvocationStatusFailed, ssmtypes.CommandInvocationStatusCancelled:
		res.Status = core.ExecutionFailed
		res.FinishedAt = time.Now().Unix()
	case ssmtypes.CommandInvocationStatusTimedOut:
		res.Status = core.ExecutionTimeout
		res.FinishedAt = time.Now().Unix()
	default:
		res.Status = core.ExecutionInProgress
	}
	return res, nil
}

// PatchCompliance reports the percentage of managed instances whose patch
// state is COMPLIANT, feeding the KPI aggregator.
func (e *SSMExecutor) PatchCompliance(ctx context.Context) (float64, error) {
	var compliant, total int
	var next *string
	for {
		out, err := e.client.ListResourceComplianceSummaries(ctx, &ssm.ListResourceComplianceSummariesInput{
			Filters: []ssmtypes.ComplianceStringFilter{{
				Key:    aws.String("ComplianceType"),
				Type:   ssmtypes.ComplianceQueryOperatorTypeEqual,
				Values: []string{"Patch"},
			}},
			NextToken: next,
		})
		if err != nil {
			return 0, classifyAWS(err)
		}
		for _, item := range out.ResourceComplianceSummaryItems {
			total++
			if item.Status == ssmtypes.ComplianceStatusCompliant {
				compliant++
			}
		}
		next = out.NextToken
		if next == nil {
			break
		}
	}
	if total == 0 {
		return 0, core.E(core.KindNotFound, "no managed instances report patch state")
	}
	return float64(compliant) / float64(total) * 100, nil
}

// classifyAWS marks throttling and connectivity failures transient so the
// dispatcher's submit retry loop takes another pass.
func classifyAWS(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "Throttling") ||
		strings.Contains(msg, "RequestLimitExceeded") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout") {
		return core.Wrap(core.KindTransient, "ssm call", err)
	}
	return core.Wrap(core.KindFatal, "ssm call", err)
}

// SSMProvider builds a per-tenant SSM executor, falling back to the
// configured default for tenants without an AWS integration.
type SSMProvider struct {
	Fallback Executor
}

func (p SSMProvider) ExecutorFor(ctx context.Context, tenant *core.Tenant) (Executor, error) {
	if tenant != nil && tenant.AWSIntegration != nil && tenant.AWSIntegration.RoleARN != "" {
		return NewSSMExecutor(ctx, tenant.AWSIntegration)
	}
	if p.Fallback != nil {
		return p.Fallback, nil
	}
	return nil, core.Ef(core.KindValidation, "tenant %s has no executor available", tenant.ID)
}
