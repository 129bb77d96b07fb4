package compute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"voxelpipe/internal/config"
	"voxelpipe/internal/pipeline"
)

// ECSRunner launches one ECS task per job and polls it to completion.
type ECSRunner struct {
	client        *ecs.Client
	cluster       string
	taskDef       string
	containerName string
	subnets       []string
	securityGrps  []string
	capacityProv  string
	pollInterval  time.Duration
}

// NewECS builds an ECS-backed runner from configuration.
func NewECS(ctx context.Context, cfg *config.Config) (*ECSRunner, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.Region),
	}
	if cfg.Storage.AccessKeyID != "" && cfg.Storage.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Storage.AccessKeyID, cfg.Storage.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &ECSRunner{
		client:        ecs.NewFromConfig(awsCfg),
		cluster:       cfg.Compute.Cluster,
		taskDef:       cfg.Compute.TaskDefinition,
		containerName: cfg.Compute.ContainerName,
		subnets:       cfg.Compute.Subnets,
		securityGrps:  cfg.Compute.SecurityGroups,
		capacityProv:  cfg.Compute.CapacityProvider,
		pollInterval:  time.Duration(cfg.Compute.PollSeconds) * time.Second,
	}, nil
}

func (r *ECSRunner) Launch(ctx context.Context, reference string) (string, error) {
	input := &ecs.RunTaskInput{
		Cluster:        aws.String(r.cluster),
		TaskDefinition: aws.String(r.taskDef),
		Count:          aws.Int32(1),
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        r.subnets,
				SecurityGroups: r.securityGrps,
				AssignPublicIp: types.AssignPublicIpDisabled,
			},
		},
		Overrides: &types.TaskOverride{
			ContainerOverrides: []types.ContainerOverride{{
				Name: aws.String(r.containerName),
				Environment: []types.KeyValuePair{{
					Name:  aws.String(referenceEnvVar),
					Value: aws.String(reference),
				}},
			}},
		},
	}
	if r.capacityProv != "" {
		input.CapacityProviderStrategy = []types.CapacityProviderStrategyItem{{
			CapacityProvider: aws.String(r.capacityProv),
			Weight:           1,
		}}
	} else {
		input.LaunchType = types.LaunchTypeFargate
	}

	out, err := r.client.RunTask(ctx, input)
	if err != nil {
		return "", pipeline.NewTaskLaunch(err, "run task for %s", reference)
	}
	if len(out.Failures) > 0 {
		failure := out.Failures[0]
		return "", pipeline.NewTaskLaunch(nil, "run task for %s rejected: %s (%s)",
			reference, aws.ToString(failure.Reason), aws.ToString(failure.Detail))
	}
	if len(out.Tasks) == 0 {
		return "", pipeline.NewTaskLaunch(nil, "run task for %s returned no task", reference)
	}
	return aws.ToString(out.Tasks[0].TaskArn), nil
}

func (r *ECSRunner) Wait(ctx context.Context, handle string, timeout time.Duration) (*Result, error) {
	deadline := time.Now().Add(timeout)
	for {
		out, err := r.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
			Cluster: aws.String(r.cluster),
			Tasks:   []string{handle},
		})
		if err != nil {
			return nil, fmt.Errorf("describe task %s: %w", handle, err)
		}
		if len(out.Tasks) == 0 {
			return nil, pipeline.NewResultMissing("task %s no longer exists", handle)
		}
		task := out.Tasks[0]
		if strings.EqualFold(aws.ToString(task.LastStatus), "STOPPED") {
			return r.stoppedResult(task), nil
		}
		if time.Now().After(deadline) {
			return nil, pipeline.NewTaskTimeout("task %s exceeded %s", handle, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

func (r *ECSRunner) stoppedResult(task types.Task) *Result {
	result := &Result{ExitCode: -1, Reason: aws.ToString(task.StoppedReason)}
	for _, container := range task.Containers {
		if aws.ToString(container.Name) != r.containerName {
			continue
		}
		if container.ExitCode != nil {
			result.ExitCode = int(*container.ExitCode)
		}
		if reason := aws.ToString(container.Reason); reason != "" {
			result.Reason = reason
		}
		break
	}
	return result
}
