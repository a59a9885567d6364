package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	"cloud.google.com/go/compute/apiv1/computepb"
	"google.golang.org/protobuf/proto"
)

// VMConfig holds everything needed to provision the inference instance from
// its template.
type VMConfig struct {
	ProjectID    string
	Zone         string
	TemplateName string
	CVATUsername string
	CVATPassword string
}

// StartInferenceVM provisions one GPU instance from the configured template,
// overriding only instance metadata: the eligible folder list (JSON-encoded
// under the "folders" key) and the annotation-platform credentials. The
// returned operation is not waited on; the instance's startup script picks up
// the metadata and runs inference on its own schedule.
func StartInferenceVM(ctx context.Context, cfg VMConfig, folders []string, date string) error {
	templates, err := compute.NewInstanceTemplatesRESTClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create instance templates client: %w", err)
	}
	defer templates.Close()

	instances, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to create instances client: %w", err)
	}
	defer instances.Close()

	template, err := templates.Get(ctx, &computepb.GetInstanceTemplateRequest{
		Project:          cfg.ProjectID,
		InstanceTemplate: cfg.TemplateName,
	})
	if err != nil {
		return fmt.Errorf("failed to get instance template %q: %w", cfg.TemplateName, err)
	}

	props := template.GetProperties()
	instanceName := fmt.Sprintf("auto-annotation-%s", date)

	// Template machine and disk types are bare names; the insert API wants
	// fully qualified URLs.
	machineType := props.GetMachineType()
	if !strings.HasPrefix(machineType, "projects/") {
		machineType = fmt.Sprintf("projects/%s/zones/%s/machineTypes/%s", cfg.ProjectID, cfg.Zone, machineType)
	}
	disks := props.GetDisks()
	for _, disk := range disks {
		params := disk.GetInitializeParams()
		if params.GetDiskType() != "" && !strings.HasPrefix(params.GetDiskType(), "zones/") {
			params.DiskType = proto.String(fmt.Sprintf("zones/%s/diskTypes/%s", cfg.Zone, params.GetDiskType()))
		}
	}

	folderList, err := json.Marshal(folders)
	if err != nil {
		return fmt.Errorf("failed to encode folder list: %w", err)
	}

	// Preserve template metadata, replacing any stale "folders" key and
	// injecting the platform credentials the VM scripts read.
	var items []*computepb.Items
	for _, item := range props.GetMetadata().GetItems() {
		if item.GetKey() != "folders" {
			items = append(items, item)
		}
	}
	items = append(items,
		&computepb.Items{Key: proto.String("folders"), Value: proto.String(string(folderList))},
		&computepb.Items{Key: proto.String("cvat_username"), Value: proto.String(cfg.CVATUsername)},
		&computepb.Items{Key: proto.String("cvat_password"), Value: proto.String(cfg.CVATPassword)},
	)

	req := &computepb.InsertInstanceRequest{
		Project: cfg.ProjectID,
		Zone:    cfg.Zone,
		InstanceResource: &computepb.Instance{
			Name:        proto.String(instanceName),
			MachineType: proto.String(machineType),
			Disks:       disks,
			Metadata:    &computepb.Metadata{Items: items},
		},
		SourceInstanceTemplate: template.SelfLink,
	}

	if _, err := instances.Insert(ctx, req); err != nil {
		return fmt.Errorf("failed to insert instance %q: %w", instanceName, err)
	}
	slog.Info("Created VM instance with folder metadata.", "instance", instanceName, "folderCount", len(folders))
	return nil
}
