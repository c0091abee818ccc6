package kubernetes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
	appsv1 "k8s.io/api/apps/v1"
	v2 "k8s.io/api/autoscaling/v2"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8syaml "k8s.io/apimachinery/pkg/util/yaml"
)

type resourceDef struct {
	FileSuffix   string
	ResourceType string
}

// Templates for a job are looked up as <job template path><suffix> and applied
// in this order.
var resources = []resourceDef{
	{
		FileSuffix:   "_job.yaml",
		ResourceType: "Job",
	},
	{
		FileSuffix:   "_deployment.yaml",
		ResourceType: "Deployment",
	},
	{
		FileSuffix:   "_service.yaml",
		ResourceType: "Service",
	},
	{
		FileSuffix:   "_ingress.yaml",
		ResourceType: "Ingress",
	},
	{
		FileSuffix:   "_hpa.yaml",
		ResourceType: "HorizontalPodAutoscaler",
	},
}

const maxNameLength = 63

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// ResourceName converts a job name into a valid DNS-1123 label. Names that are
// too long are truncated and suffixed with a hash of the full name so distinct
// jobs never share a resource name.
func ResourceName(jobName string) string {
	name := invalidNameChars.ReplaceAllString(strings.ToLower(jobName), "-")
	name = strings.Trim(name, "-")

	if name != "" && len(name) <= maxNameLength && name == jobName {
		return name
	}

	sum := sha256.Sum256([]byte(jobName))
	suffix := hex.EncodeToString(sum[:])[:8]

	if name == "" {
		return "job-" + suffix
	}

	if len(name) > maxNameLength-len(suffix)-1 {
		name = strings.TrimRight(name[:maxNameLength-len(suffix)-1], "-")
	}
	return name + "-" + suffix
}

// splitDocuments decodes a multi document yaml string, skipping empty
// documents.
func splitDocuments(content string) ([]map[string]interface{}, error) {
	decoder := yaml.NewDecoder(strings.NewReader(content))

	docs := make([]map[string]interface{}, 0)
	for {
		var doc map[string]interface{}
		if err := decoder.Decode(&doc); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("error decoding YAML document: %w", err)
		}

		if doc == nil {
			continue
		}
		if _, ok := doc["kind"].(string); !ok {
			return nil, fmt.Errorf("YAML document is missing kind")
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func decodeDocument(doc map[string]interface{}, into interface{}) error {
	docBytes, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("error marshaling YAML document: %w", err)
	}
	if err := k8syaml.Unmarshal(docBytes, into); err != nil {
		return fmt.Errorf("error unmarshaling %v YAML: %w", doc["kind"], err)
	}
	return nil
}

func (c *KubernetesClient) processJob(ctx context.Context, jobObj *batchv1.Job) error {
	_, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, jobObj.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			slog.Info("job resource not found, creating new job", "job_name", jobObj.Name)
			if _, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, jobObj, metav1.CreateOptions{}); err != nil {
				slog.Error("error creating job resource", "job_name", jobObj.Name, "error", err)
				return fmt.Errorf("error creating job resource: %w", err)
			}
			return nil
		}
		return fmt.Errorf("error checking for existing job: %w", err)
	}

	// Jobs are immutable once started so an existing job is replaced.
	slog.Info("job resource exists, replacing it", "job_name", jobObj.Name)
	propagation := metav1.DeletePropagationBackground
	if err := c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, jobObj.Name, metav1.DeleteOptions{PropagationPolicy: &propagation}); err != nil {
		slog.Error("error deleting existing job resource", "job_name", jobObj.Name, "error", err)
		return fmt.Errorf("error deleting existing job resource: %w", err)
	}
	if _, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, jobObj, metav1.CreateOptions{}); err != nil {
		slog.Error("error re-creating job resource", "job_name", jobObj.Name, "error", err)
		return fmt.Errorf("error re-creating job resource: %w", err)
	}
	return nil
}

func (c *KubernetesClient) processDeployment(ctx context.Context, deployment *appsv1.Deployment) error {
	existing, err := c.clientset.AppsV1().Deployments(c.namespace).Get(ctx, deployment.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			slog.Info("deployment resource not found, creating new deployment", "deployment_name", deployment.Name)
			if _, err := c.clientset.AppsV1().Deployments(c.namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
				slog.Error("error creating deployment resource", "deployment_name", deployment.Name, "error", err)
				return fmt.Errorf("error creating deployment resource: %w", err)
			}
			return nil
		}
		return fmt.Errorf("error checking for existing deployment: %w", err)
	}

	slog.Info("deployment resource exists, updating deployment", "deployment_name", deployment.Name)
	deployment.ResourceVersion = existing.ResourceVersion
	if _, err := c.clientset.AppsV1().Deployments(c.namespace).Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		slog.Error("error updating deployment resource", "deployment_name", deployment.Name, "error", err)
		return fmt.Errorf("error updating deployment resource: %w", err)
	}
	return nil
}

func (c *KubernetesClient) processService(ctx context.Context, service *corev1.Service) error {
	existing, err := c.clientset.CoreV1().Services(c.namespace).Get(ctx, service.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			slog.Info("service resource not found, creating new service", "service_name", service.Name)
			if _, err := c.clientset.CoreV1().Services(c.namespace).Create(ctx, service, metav1.CreateOptions{}); err != nil {
				slog.Error("error creating service resource", "service_name", service.Name, "error", err)
				return fmt.Errorf("error creating service resource: %w", err)
			}
			return nil
		}
		return fmt.Errorf("error checking for existing service: %w", err)
	}

	slog.Info("service resource exists, updating service", "service_name", service.Name)
	service.ResourceVersion = existing.ResourceVersion
	service.Spec.ClusterIP = existing.Spec.ClusterIP
	if _, err := c.clientset.CoreV1().Services(c.namespace).Update(ctx, service, metav1.UpdateOptions{}); err != nil {
		slog.Error("error updating service resource", "service_name", service.Name, "error", err)
		return fmt.Errorf("error updating service resource: %w", err)
	}
	return nil
}

func (c *KubernetesClient) processIngress(ctx context.Context, ingress *networkingv1.Ingress) error {
	existing, err := c.clientset.NetworkingV1().Ingresses(c.namespace).Get(ctx, ingress.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			slog.Info("ingress resource not found, creating new ingress", "ingress_name", ingress.Name)
			if _, err := c.clientset.NetworkingV1().Ingresses(c.namespace).Create(ctx, ingress, metav1.CreateOptions{}); err != nil {
				slog.Error("error creating ingress resource", "ingress_name", ingress.Name, "error", err)
				return fmt.Errorf("error creating ingress resource: %w", err)
			}
			return nil
		}
		return fmt.Errorf("error checking for existing ingress: %w", err)
	}

	slog.Info("ingress resource exists, updating ingress", "ingress_name", ingress.Name)
	ingress.ResourceVersion = existing.ResourceVersion
	if _, err := c.clientset.NetworkingV1().Ingresses(c.namespace).Update(ctx, ingress, metav1.UpdateOptions{}); err != nil {
		slog.Error("error updating ingress resource", "ingress_name", ingress.Name, "error", err)
		return fmt.Errorf("error updating ingress resource: %w", err)
	}
	return nil
}

func (c *KubernetesClient) processHPA(ctx context.Context, hpa *v2.HorizontalPodAutoscaler) error {
	existing, err := c.clientset.AutoscalingV2().HorizontalPodAutoscalers(c.namespace).Get(ctx, hpa.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			slog.Info("HPA resource not found, creating new HPA", "hpa_name", hpa.Name)
			if _, err := c.clientset.AutoscalingV2().HorizontalPodAutoscalers(c.namespace).Create(ctx, hpa, metav1.CreateOptions{}); err != nil {
				slog.Error("error creating HPA resource", "hpa_name", hpa.Name, "error", err)
				return fmt.Errorf("error creating HPA resource: %w", err)
			}
			return nil
		}
		return fmt.Errorf("error checking for existing HPA: %w", err)
	}

	slog.Info("HPA resource exists, updating HPA", "hpa_name", hpa.Name)
	hpa.ResourceVersion = existing.ResourceVersion
	if _, err := c.clientset.AutoscalingV2().HorizontalPodAutoscalers(c.namespace).Update(ctx, hpa, metav1.UpdateOptions{}); err != nil {
		slog.Error("error updating HPA resource", "hpa_name", hpa.Name, "error", err)
		return fmt.Errorf("error updating HPA resource: %w", err)
	}
	return nil
}

func (c *KubernetesClient) processDocument(ctx context.Context, doc map[string]interface{}) error {
	switch kind := doc["kind"].(string); kind {
	case "Job":
		var obj batchv1.Job
		if err := decodeDocument(doc, &obj); err != nil {
			return err
		}
		return c.processJob(ctx, &obj)
	case "Deployment":
		var obj appsv1.Deployment
		if err := decodeDocument(doc, &obj); err != nil {
			return err
		}
		return c.processDeployment(ctx, &obj)
	case "Service":
		var obj corev1.Service
		if err := decodeDocument(doc, &obj); err != nil {
			return err
		}
		return c.processService(ctx, &obj)
	case "Ingress":
		var obj networkingv1.Ingress
		if err := decodeDocument(doc, &obj); err != nil {
			return err
		}
		return c.processIngress(ctx, &obj)
	case "HorizontalPodAutoscaler":
		var obj v2.HorizontalPodAutoscaler
		if err := decodeDocument(doc, &obj); err != nil {
			return err
		}
		return c.processHPA(ctx, &obj)
	default:
		return fmt.Errorf("unsupported resource kind: %s", kind)
	}
}
