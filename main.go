package main

import (
	"os"

	runtimeclient "github.com/fluxcd/pkg/runtime/client"
	runtimeCtrl "github.com/fluxcd/pkg/runtime/controller"
	"github.com/fluxcd/pkg/runtime/events"
	"github.com/fluxcd/pkg/runtime/logger"
	runtimemetrics "github.com/fluxcd/pkg/runtime/metrics"
	"github.com/jenkins-x/go-scm/scm/factory"
	flag "github.com/spf13/pflag"
	corev1 "k8s.io/api/core/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	ctrlclient "sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/gitops-tools/appsync-controller/controllers"
	"github.com/gitops-tools/appsync-controller/controllers/apply"
	"github.com/gitops-tools/appsync-controller/controllers/diff"
	"github.com/gitops-tools/appsync-controller/controllers/observe"
	"github.com/gitops-tools/appsync-controller/controllers/source"
	"github.com/gitops-tools/appsync-controller/controllers/status"
	"github.com/gitops-tools/appsync-controller/controllers/trigger"
	"github.com/gitops-tools/appsync-controller/pkg/setup"
	//+kubebuilder:scaffold:imports
)

var setupLog = ctrl.Log.WithName("setup")

const controllerName = "Application"

func main() {
	var (
		metricsAddr          string
		enableLeaderElection bool
		probeAddr            string
		watchAllNamespaces   bool
		concurrency          int
		fetchRetries         int
		diffRulesFile        string
		triggersAddr         string
		statusAddr           string
		scmDriver            string
		clientOptions        runtimeclient.Options
		logOptions           logger.Options
		eventsAddr           string
	)

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&eventsAddr, "events-addr", "", "The address of the events receiver.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.BoolVar(&watchAllNamespaces, "watch-all-namespaces", true,
		"Watch for custom resources in all namespaces, if set to false it will only watch the runtime namespace.")
	flag.IntVar(&concurrency, "concurrency", 4, "Number of applications reconciled concurrently.")
	flag.IntVar(&fetchRetries, "fetch-retries", 4, "Number of attempts when downloading a source artifact.")
	flag.StringVar(&diffRulesFile, "diff-rules", "", "Path to a YAML file with per-kind diff rules.")
	flag.StringVar(&triggersAddr, "triggers-bind-address", ":8082", "The address the trigger receiver binds to.")
	flag.StringVar(&statusAddr, "status-bind-address", ":8083", "The address the status server binds to.")
	flag.StringVar(&scmDriver, "scm-driver", "github", "Driver used for parsing SCM webhooks.")

	logOptions.BindFlags(flag.CommandLine)
	clientOptions.BindFlags(flag.CommandLine)

	flag.Parse()

	scheme, err := setup.NewScheme()
	if err != nil {
		setupLog.Error(err, "unable to configure scheme")
		os.Exit(1)
	}

	registry, err := setup.LoadKindRules(diffRulesFile)
	if err != nil {
		setupLog.Error(err, "unable to load diff rules")
		os.Exit(1)
	}

	watchNamespace := ""
	if !watchAllNamespaces {
		watchNamespace = os.Getenv("RUNTIME_NAMESPACE")
	}

	ctrl.SetLogger(logger.NewLogger(logOptions))
	restConfig := runtimeclient.GetConfigOrDie(clientOptions)

	mgrOptions := ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "2f8c7e6a.sync.gitops.tools",
		// Don't cache Secrets and ConfigMaps. In general, the
		// controller-runtime client does a LIST and WATCH to cache
		// kinds you request (see
		// https://github.com/kubernetes-sigs/controller-runtime/pull/1249),
		// and this can mean caching all secrets and configmaps; when
		// all that's required is the few that are referenced for
		// objects of interest to this controller.
		Client: ctrlclient.Options{
			Cache: &ctrlclient.CacheOptions{
				DisableFor: []ctrlclient.Object{&corev1.Secret{}, &corev1.ConfigMap{}},
			},
		},
	}
	if watchNamespace != "" {
		mgrOptions.Cache = cache.Options{
			DefaultNamespaces: map[string]cache.Config{watchNamespace: {}},
		}
	}

	mgr, err := ctrl.NewManager(restConfig, mgrOptions)
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	metricsH := runtimeCtrl.NewMetrics(mgr, runtimemetrics.MustMakeRecorder())
	var eventRecorder *events.Recorder
	if eventRecorder, err = events.NewRecorder(mgr, ctrl.Log, eventsAddr, controllerName); err != nil {
		setupLog.Error(err, "unable to create event recorder")
		os.Exit(1)
	}

	fetcher := source.NewFetcher(ctrl.Log.WithName("fetcher"), mgr.GetClient(), source.NewArtifactFetcher(fetchRetries))
	triggers := make(chan event.GenericEvent)

	if err = (&controllers.ApplicationReconciler{
		Client:        mgr.GetClient(),
		Scheme:        mgr.GetScheme(),
		Fetcher:       fetcher,
		Observer:      observe.NewObserver(ctrl.Log.WithName("observer"), mgr.GetClient()),
		Differ:        diff.NewDiffer(ctrl.Log.WithName("differ"), registry),
		Executor:      apply.NewExecutor(ctrl.Log.WithName("executor"), mgr.GetClient(), registry),
		Metrics:       metricsH,
		EventRecorder: eventRecorder,
	}).SetupWithManager(mgr, triggers, concurrency); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", controllerName)
		os.Exit(1)
	}
	//+kubebuilder:scaffold:builder

	receiver := trigger.NewReceiver(mgr.GetClient(), ctrl.Log.WithName("triggers"), triggers, triggersAddr)
	if scmClient, err := factory.NewClient(scmDriver, "", ""); err == nil {
		receiver.WebhookParser = scmClient.Webhooks
		receiver.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	} else {
		setupLog.Error(err, "webhook parsing disabled", "driver", scmDriver)
	}
	if err := mgr.Add(receiver); err != nil {
		setupLog.Error(err, "unable to add trigger receiver")
		os.Exit(1)
	}

	if err := mgr.Add(status.NewServer(mgr.GetClient(), ctrl.Log.WithName("status"), statusAddr)); err != nil {
		setupLog.Error(err, "unable to add status server")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
